// Package conn implements the client side of the IC WebSocket protocol.
//
// A Conn drives one gateway connection through its phases:
//
//	connecting -> handshaking -> opening -> established -> closing -> closed
//
// Every inbound frame after the gateway handshake is certified by the
// canister and carries the next inbound sequence number; any violation is
// fatal and closes the socket with CloseProtocolError. Outbound messages
// are relayed to the canister through the gateway and tracked until the
// canister acknowledges them.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/1ureka/icws/internal/ack"
	"github.com/1ureka/icws/internal/agent"
	"github.com/1ureka/icws/internal/certification"
	"github.com/1ureka/icws/internal/principal"
	"github.com/1ureka/icws/internal/protocol"
	"github.com/1ureka/icws/internal/queue"
	"github.com/1ureka/icws/internal/transport"
	"github.com/1ureka/icws/internal/util"
)

// CloseProtocolError is the close code used for every fatal condition.
const CloseProtocolError = 4000

// Close reasons sent to the gateway.
const (
	reasonReceive   = "Error receiving message"
	reasonHandshake = "Handshake message error"
	reasonService   = "Service message error"
	reasonAck       = "Ack message error"
	reasonSend      = "Message sending failed"
	reasonAckTime   = "Ack message timeout"
	reasonOpenTime  = "Open message timeout"
)

const (
	eventOpen    = "onopen"
	eventMessage = "onmessage"
	eventError   = "onerror"
	eventClose   = "onclose"
)

const statusTimeout = 10 * time.Second

// State is the protocol phase of a Conn.
type State int

const (
	Connecting State = iota
	Handshaking
	Opening
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Opening:
		return "opening"
	case Established:
		return "established"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is a client connection to a canister through a gateway. T is the
// application message type.
type Conn[T any] struct {
	canisterID principal.Principal
	clientKey  protocol.ClientKey
	codec      Codec[T]
	handler    Handler[T]
	metrics    Metrics
	log        *zap.Logger
	now        func() time.Time

	sock      Socket
	caller    Caller
	status    StatusReader
	validator *certification.Validator
	tracker   *ack.Tracker
	inbound   *queue.Queue[[]byte]
	outbound  *queue.Queue[protocol.WebsocketMessage]

	openTimeout time.Duration
	ready       chan struct{} // closed once sock is set
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	mu          sync.Mutex
	state       State
	gateway     principal.Principal
	openID      agent.RequestID
	openTimer   *time.Timer
	incomingSeq uint64 // next expected inbound sequence number
	outgoingSeq uint64 // last assigned outbound sequence number

	cbMu     sync.Mutex
	notified bool // OnClose delivered
}

// Dial connects to the gateway and starts the handshake. It returns once
// the socket is open; OnOpen fires later, when the canister confirms the
// connection.
func Dial[T any](ctx context.Context, cfg Config, codec Codec[T], handler Handler[T], opts ...Option) (*Conn[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, ErrMissingCodec
	}
	if handler == nil {
		handler = HandlerFuncs[T]{}
	}
	cfg.setDefaults()

	o := options{now: time.Now, metrics: nopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}

	log := cfg.Logger.With(zap.String("conn", uuid.NewString()))

	base, err := agent.New(cfg.NetworkURL, cfg.Identity,
		agent.WithRootKey(cfg.RootKey),
		agent.WithLogger(log),
		agent.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	if cfg.FetchRootKey {
		if cfg.RootKey, err = base.FetchRootKey(ctx); err != nil {
			return nil, err
		}
	}

	vopts := []certification.ValidatorOption{
		certification.WithMaxAge(cfg.MaxCertificateAge),
		certification.WithClock(o.now),
	}
	if o.verifier != nil {
		vopts = append(vopts, certification.WithVerifier(o.verifier))
	}
	validator, err := certification.NewValidator(cfg.CanisterID, cfg.RootKey, vopts...)
	if err != nil {
		return nil, err
	}

	nonce, err := util.RandomNonce()
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn[T]{
		canisterID: cfg.CanisterID,
		clientKey: protocol.ClientKey{
			ClientPrincipal: cfg.Identity.Sender(),
			ClientNonce:     nonce,
		},
		codec:       codec,
		handler:     handler,
		metrics:     o.metrics,
		log:         log,
		now:         o.now,
		status:      o.status,
		validator:   validator,
		openTimeout: cfg.OpenTimeout,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         connCtx,
		cancel:      cancel,
		incomingSeq: 1,
	}
	if c.status == nil {
		c.status = base
	}
	c.tracker = ack.New(cfg.AckTimeout, c.onAckTimeout, ack.WithClock(o.now))
	c.inbound = queue.New[[]byte](c.processIncoming, queue.Disabled(), queue.WithLogger(log))
	c.outbound = queue.New[protocol.WebsocketMessage](c.processOutgoing, queue.Disabled(), queue.WithLogger(log))

	dial := o.dialer
	if dial == nil {
		dial = dialTransport(log)
	}
	sock, err := dial(ctx, cfg.GatewayURL, events[T]{c})
	if err != nil {
		cancel()
		return nil, err
	}

	c.sock = sock
	if o.caller != nil {
		c.caller = o.caller(sock)
	} else {
		c.caller = base.Via(sock)
	}
	close(c.ready)

	log.Debug("connecting",
		zap.String("gateway", cfg.GatewayURL),
		zap.Stringer("canister", cfg.CanisterID),
		zap.Stringer("client_key", c.clientKey))
	return c, nil
}

// Principal returns the client principal.
func (c *Conn[T]) Principal() principal.Principal {
	return c.clientKey.ClientPrincipal
}

// ClientKey returns the key identifying this connection to the canister.
func (c *Conn[T]) ClientKey() protocol.ClientKey {
	return c.clientKey
}

// Gateway returns the gateway principal, once the handshake completed.
func (c *Conn[T]) Gateway() principal.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway
}

// State returns the protocol phase.
func (c *Conn[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadyState returns the state of the underlying socket.
func (c *Conn[T]) ReadyState() transport.ReadyState {
	return c.sock.State()
}

// IsEstablished reports whether the canister confirmed the connection and
// messages can be sent.
func (c *Conn[T]) IsEstablished() bool {
	return c.State() == Established
}

// Done returns a channel that is closed after OnClose.
func (c *Conn[T]) Done() <-chan struct{} {
	return c.done
}

// Send relays msg to the canister. It fails without side effects if the
// connection is not established.
func (c *Conn[T]) Send(msg T) error {
	if !c.IsEstablished() {
		return ErrNotEstablished
	}
	content, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if !c.enqueue(content, false) {
		return ErrNotEstablished
	}
	return nil
}

// Close closes the connection normally.
func (c *Conn[T]) Close() error {
	c.mu.Lock()
	if c.state >= Closing {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	c.mu.Unlock()

	return c.sock.Close(transport.CloseNormal, "")
}

// enqueue assigns the next outbound sequence number and queues the message.
// Numbers are taken in enqueue order, so concurrent senders never share one.
func (c *Conn[T]) enqueue(content []byte, service bool) bool {
	c.mu.Lock()
	if c.state != Established {
		c.mu.Unlock()
		return false
	}
	c.outgoingSeq++
	c.outbound.Add(protocol.WebsocketMessage{
		ClientKey:        c.clientKey,
		SequenceNum:      c.outgoingSeq,
		Timestamp:        uint64(c.now().UnixNano()),
		IsServiceMessage: service,
		Content:          content,
	})
	c.mu.Unlock()

	c.outbound.Process()
	return true
}

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

// events adapts transport callbacks. They wait until Dial has stored the
// socket, since the transport may report before Dial returns.
type events[T any] struct{ c *Conn[T] }

func (e events[T]) OnOpen() {
	<-e.c.ready
	e.c.onTransportOpen()
}

func (e events[T]) OnMessage(data []byte) {
	<-e.c.ready
	e.c.inbound.AddAndProcess(data)
}

func (e events[T]) OnError(err error) {
	<-e.c.ready
	e.c.log.Warn("websocket error", zap.Error(err))
	e.c.emitError(fmt.Errorf("websocket error: %w", err))
}

func (e events[T]) OnClose(code int, reason string) {
	<-e.c.ready
	e.c.onTransportClose(code, reason)
}

func (c *Conn[T]) onTransportOpen() {
	c.mu.Lock()
	if c.state == Connecting {
		c.state = Handshaking
	}
	c.mu.Unlock()

	c.log.Debug("websocket opened")
	c.inbound.EnableAndProcess()
}

func (c *Conn[T]) onTransportClose(code int, reason string) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	if c.openTimer != nil {
		c.openTimer.Stop()
	}
	c.mu.Unlock()

	c.log.Debug("websocket closed", zap.Int("code", code), zap.String("reason", reason))

	c.inbound.Disable()
	c.outbound.Disable()
	c.tracker.Clear()
	c.cancel()

	c.invoke(eventClose, func() { c.handler.OnClose(code, reason) })
	close(c.done)
}

// fail reports a fatal error and closes the socket with CloseProtocolError.
// Only the first failure is reported.
func (c *Conn[T]) fail(err error, reason string) {
	c.mu.Lock()
	if c.state >= Closing {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	c.mu.Unlock()

	c.inbound.Disable()
	c.outbound.Disable()

	c.log.Error("closing connection", zap.String("reason", reason), zap.Error(err))
	c.emitError(err)

	if err := c.sock.Close(CloseProtocolError, reason); err != nil {
		c.log.Warn("failed to close websocket", zap.Error(err))
	}
}

func (c *Conn[T]) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= Closing
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// processIncoming handles one frame from the gateway. The first frame is
// the handshake; every later frame is a certified message.
func (c *Conn[T]) processIncoming(data []byte) bool {
	if c.closing() {
		return false
	}

	c.mu.Lock()
	handshaking := c.state == Handshaking
	c.mu.Unlock()
	if handshaking {
		return c.handleHandshake(data)
	}

	if err := c.safeReceive(data); err != nil {
		c.fail(fmt.Errorf("error receiving message: %w", err), reasonFor(err))
		return false
	}
	return !c.closing()
}

// safeReceive turns a panic while handling a frame, e.g. in the application
// codec, into an error.
func (c *Conn[T]) safeReceive(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return c.receive(data)
}

func (c *Conn[T]) handleHandshake(data []byte) bool {
	hs, err := protocol.DecodeHandshake(data)
	if err != nil {
		c.fail(fmt.Errorf("error receiving message: first message is not a GatewayHandshakeMessage: %w", err), reasonReceive)
		return false
	}

	c.mu.Lock()
	c.gateway = hs.GatewayPrincipal
	c.state = Opening
	c.openTimer = time.AfterFunc(c.openTimeout, c.onOpenTimeout)
	c.mu.Unlock()

	c.log.Debug("handshake received, sending open message", zap.Stringer("gateway", hs.GatewayPrincipal))

	args, err := protocol.EncodeOpenArguments(protocol.OpenArguments{
		ClientNonce:      c.clientKey.ClientNonce,
		GatewayPrincipal: hs.GatewayPrincipal,
	})
	if err == nil {
		var id agent.RequestID
		id, err = c.caller.Call(c.ctx, c.canisterID, protocol.MethodOpen, args)
		c.mu.Lock()
		c.openID = id
		c.mu.Unlock()
	}
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrHandshake, err), reasonHandshake)
		return false
	}

	c.log.Debug("open message sent, waiting for the canister to open the connection")
	return true
}

// receive validates a certified frame and dispatches its content.
func (c *Conn[T]) receive(data []byte) error {
	in, err := protocol.DecodeIncoming(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeWebsocketMessage(in.Content)
	if err != nil {
		return err
	}

	c.log.Debug("incoming message",
		zap.Int("bytes", len(data)),
		zap.Uint64("seq", msg.SequenceNum),
		zap.Bool("service", msg.IsServiceMessage))

	if err := c.validator.Validate(in.Key, in.Content, in.Cert, in.Tree); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateValidation, err)
	}

	c.mu.Lock()
	if msg.SequenceNum != c.incomingSeq {
		expected := c.incomingSeq
		c.mu.Unlock()
		return &SequenceError{Expected: expected, Received: msg.SequenceNum}
	}
	c.incomingSeq++
	c.mu.Unlock()

	if msg.IsServiceMessage {
		return c.handleService(msg.Content)
	}

	latency := c.now().Sub(time.Unix(0, int64(msg.Timestamp)))
	c.log.Debug("canister to client latency", zap.Int64("ms", latency.Milliseconds()))

	app, err := c.codec.Unmarshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to decode application message: %w", err)
	}
	c.metrics.MessageDelivered()
	c.invoke(eventMessage, func() { c.handler.OnMessage(app) })
	return nil
}

// serviceError marks failures of the service message arm.
type serviceError struct {
	reason string
	err    error
}

func (e *serviceError) Error() string { return e.err.Error() }
func (e *serviceError) Unwrap() error { return e.err }

func reasonFor(err error) string {
	var se *serviceError
	if errors.As(err, &se) {
		return se.reason
	}
	return reasonReceive
}

func (c *Conn[T]) handleService(content []byte) error {
	sm, err := protocol.DecodeServiceMessage(content)
	if err != nil {
		return &serviceError{reasonService, fmt.Errorf("%w: %w", ErrInvalidServiceMessage, err)}
	}

	switch m := sm.(type) {
	case protocol.OpenMessage:
		c.log.Debug("received open message from canister")
		if !m.ClientKey.Equal(c.clientKey) {
			return &serviceError{reasonService, ErrClientKeyMismatch}
		}
		c.established()
		return nil

	case protocol.AckMessage:
		c.log.Debug("received ack message from canister", zap.Uint64("last_seq", m.LastIncomingSequenceNum))
		if err := c.tracker.Ack(m.LastIncomingSequenceNum); err != nil {
			return &serviceError{reasonAck, fmt.Errorf("%w: %w", ErrAck, err)}
		}
		return c.sendKeepAlive()

	case protocol.CloseMessage:
		return &serviceError{reasonService, fmt.Errorf("%w: canister closed the connection: %s", ErrInvalidServiceMessage, m.Reason)}

	default:
		return &serviceError{reasonService, fmt.Errorf("%w: %T", ErrInvalidServiceMessage, sm)}
	}
}

func (c *Conn[T]) established() {
	c.mu.Lock()
	if c.state != Opening {
		c.mu.Unlock()
		c.log.Warn("ignoring open message", zap.Stringer("state", c.State()))
		return
	}
	c.state = Established
	if c.openTimer != nil {
		c.openTimer.Stop()
		c.openTimer = nil
	}
	c.mu.Unlock()

	c.log.Debug("connection established")
	c.invoke(eventOpen, c.handler.OnOpen)
	c.outbound.EnableAndProcess()
}

// sendKeepAlive answers an ack with the last inbound sequence number.
func (c *Conn[T]) sendKeepAlive() error {
	c.mu.Lock()
	last := c.incomingSeq - 1
	c.mu.Unlock()

	content, err := protocol.EncodeServiceMessage(protocol.KeepAliveMessage{LastIncomingSequenceNum: last})
	if err != nil {
		return &serviceError{reasonService, err}
	}
	c.enqueue(content, true)
	return nil
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (c *Conn[T]) processOutgoing(msg protocol.WebsocketMessage) bool {
	if c.closing() {
		return false
	}

	args, err := protocol.EncodeMessageArguments(msg)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrSendFailed, err), reasonSend)
		return false
	}

	// Tracked before the call, since the canister may ack it before Call
	// returns.
	if err := c.tracker.Add(msg.SequenceNum); err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrSendFailed, err), reasonSend)
		return false
	}
	if _, err := c.caller.Call(c.ctx, c.canisterID, protocol.MethodMessage, args); err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrSendFailed, err), reasonSend)
		return false
	}
	if !msg.IsServiceMessage {
		c.metrics.MessageSent()
	}

	c.log.Debug("message sent", zap.Uint64("seq", msg.SequenceNum), zap.Bool("service", msg.IsServiceMessage))
	return true
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (c *Conn[T]) onAckTimeout(unacked []uint64) {
	c.fail(&AckTimeoutError{Sequences: unacked}, reasonAckTime)
}

func (c *Conn[T]) onOpenTimeout() {
	c.mu.Lock()
	if c.state != Opening {
		c.mu.Unlock()
		return
	}
	id := c.openID
	c.mu.Unlock()

	go c.logOpenStatus(id)
	c.fail(ErrOpenTimeout, reasonOpenTime)
}

// logOpenStatus reports what happened to the ws_open call.
func (c *Conn[T]) logOpenStatus(id agent.RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	st, err := c.status.RequestStatus(ctx, c.canisterID, id)
	if err != nil {
		c.log.Debug("failed to read open call status", zap.Stringer("request_id", id), zap.Error(err))
		return
	}
	c.log.Warn("open call status", zap.Stringer("request_id", id), zap.Stringer("status", st))
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (c *Conn[T]) emitError(err error) {
	c.invoke(eventError, func() { c.handler.OnError(err) })
}

// invoke runs an application callback. Callbacks are serialized, nothing
// runs after OnClose, and a panic is logged instead of propagated.
func (c *Conn[T]) invoke(event string, fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	if c.notified {
		return
	}
	if event == eventClose {
		c.notified = true
	}
	if p, ok := c.handler.(partialHandler); ok && !p.defined(event) {
		c.log.Warn("no callback defined", zap.String("event", event))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("callback panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	c.log.Debug("calling callback", zap.String("event", event))
	fn()
}
