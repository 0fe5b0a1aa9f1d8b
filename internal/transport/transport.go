// Package transport carries binary frames between the client and a gateway
// over a WebSocket.
//
// A Socket delivers its events from a single goroutine in order: OnOpen,
// then OnMessage for every frame, then OnClose exactly once. OnError, when
// it fires, precedes OnClose.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/1ureka/icws/internal/util"
)

var ErrNotOpen = errors.New("socket is not open")

// Close codes used by the client.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

const closeTimeout = 5 * time.Second

// ReadyState mirrors the WebSocket readyState.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Events receives the lifecycle of a Socket.
type Events interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Socket is a client WebSocket connection to a gateway.
type Socket struct {
	conn   *websocket.Conn
	events Events
	sender *sender
	log    *zap.Logger

	state atomic.Int32

	mu          sync.Mutex
	closeCode   int
	closeReason string

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures Dial.
type Option func(*options)

type options struct {
	dialer *websocket.Dialer
	header http.Header
	log    *zap.Logger
}

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds headers to the opening handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// Dial connects to the gateway at url and starts delivering events.
func Dial(ctx context.Context, url string, events Events, opts ...Option) (*Socket, error) {
	o := options{dialer: websocket.DefaultDialer, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	conn, _, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	sCtx, sCancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:   conn,
		events: events,
		log:    o.log,
		ctx:    sCtx,
		cancel: sCancel,
	}
	s.state.Store(int32(Open))
	s.sender = newSender(sCtx, conn, s.fail)

	go s.readLoop()
	return s, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// State returns the current ready state.
func (s *Socket) State() ReadyState {
	return ReadyState(s.state.Load())
}

// Done returns a channel that is closed once the socket is closed.
func (s *Socket) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send queues a binary frame for writing.
func (s *Socket) Send(data []byte) error {
	if s.State() != Open {
		return ErrNotOpen
	}
	return s.sender.send(data)
}

// Close starts the closing handshake with code and reason. The socket is
// torn down when the gateway answers or after a timeout.
func (s *Socket) Close(code int, reason string) error {
	if !s.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}

	s.mu.Lock()
	s.closeCode, s.closeReason = code, reason
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))

	time.AfterFunc(closeTimeout, func() { s.conn.Close() })
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.conn.Close()
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

// fail tears the connection down after a write error.
func (s *Socket) fail(err error) {
	s.log.Debug("socket write failed", zap.Error(err))
	s.conn.Close()
}

// ---------------------------------------------------------------------------
// Read loop
// ---------------------------------------------------------------------------

func (s *Socket) readLoop() {
	s.events.OnOpen()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		util.Stats.AddRecv(len(data))
		s.events.OnMessage(data)
	}
}

// finish reports the close status derived from the read error.
func (s *Socket) finish(err error) {
	closing := s.State() == Closing
	s.state.Store(int32(Closed))
	s.cancel()
	s.conn.Close()

	code, reason := CloseAbnormal, ""
	var ce *websocket.CloseError
	switch {
	case closing:
		// The gateway echoes the code without the reason.
		s.mu.Lock()
		code, reason = s.closeCode, s.closeReason
		s.mu.Unlock()
	case errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure:
		code, reason = ce.Code, ce.Text
	default:
		s.events.OnError(fmt.Errorf("connection lost: %w", err))
	}

	s.log.Debug("socket closed", zap.Int("code", code), zap.String("reason", reason))
	s.events.OnClose(code, reason)
}
