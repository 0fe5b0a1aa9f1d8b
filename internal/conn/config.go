package conn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/icws/internal/ack"
	"github.com/1ureka/icws/internal/agent"
	"github.com/1ureka/icws/internal/certification"
	"github.com/1ureka/icws/internal/principal"
	"github.com/1ureka/icws/internal/transport"
)

const (
	// CommunicationLatencyBound is the worst-case time for a message to go
	// from the client to the canister through the gateway.
	CommunicationLatencyBound = 30 * time.Second

	DefaultAckTimeout  = ack.DefaultTimeout
	DefaultOpenTimeout = 2 * CommunicationLatencyBound
)

// Config holds the settings of a connection.
type Config struct {
	// CanisterID is the canister the client talks to.
	CanisterID principal.Principal

	// GatewayURL is the WebSocket address of the gateway.
	GatewayURL string

	// NetworkURL is the HTTP address of the replica, used for status reads
	// and to fetch the root key of local networks.
	NetworkURL string

	// Identity signs the calls. Its principal is the client principal.
	Identity *agent.Identity

	// RootKey is the DER root key that anchors certificates. Defaults to
	// the mainnet key.
	RootKey []byte

	// FetchRootKey reads the root key from the replica instead. Only for
	// local networks.
	FetchRootKey bool

	AckTimeout        time.Duration
	OpenTimeout       time.Duration
	MaxCertificateAge time.Duration

	Logger *zap.Logger
}

func (c *Config) validate() error {
	switch {
	case len(c.CanisterID) == 0:
		return ErrMissingCanisterID
	case c.Identity == nil:
		return ErrMissingIdentity
	case c.NetworkURL == "":
		return ErrMissingNetworkURL
	case c.GatewayURL == "":
		return ErrMissingGatewayURL
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.MaxCertificateAge <= 0 {
		c.MaxCertificateAge = certification.DefaultMaxAge
	}
	if c.RootKey == nil {
		c.RootKey = certification.MainnetRootKey
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Socket is the transport to the gateway. *transport.Socket implements it.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
	State() transport.ReadyState
}

// Dialer opens a Socket that reports to events.
type Dialer func(ctx context.Context, url string, events transport.Events) (Socket, error)

// Caller submits canister calls.
type Caller interface {
	Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) (agent.RequestID, error)
}

// StatusReader reads the certified status of a submitted call.
type StatusReader interface {
	RequestStatus(ctx context.Context, canisterID principal.Principal, id agent.RequestID) (agent.RequestStatus, error)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	dialer   Dialer
	caller   func(relay agent.Relay) Caller
	status   StatusReader
	verifier certification.Verifier
	now      func() time.Time
	metrics  Metrics
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithCaller replaces the agent that relays calls through the socket.
func WithCaller(f func(relay agent.Relay) Caller) Option {
	return func(o *options) { o.caller = f }
}

// WithStatusReader replaces the reader used to diagnose a lost open call.
func WithStatusReader(r StatusReader) Option {
	return func(o *options) { o.status = r }
}

// WithVerifier replaces the BLS signature verifier for certificates.
func WithVerifier(v certification.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Metrics counts application messages sent and delivered.
type Metrics interface {
	MessageSent()
	MessageDelivered()
}

type nopMetrics struct{}

func (nopMetrics) MessageSent()      {}
func (nopMetrics) MessageDelivered() {}

// WithMetrics reports message counts to m.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func dialTransport(log *zap.Logger) Dialer {
	return func(ctx context.Context, url string, events transport.Events) (Socket, error) {
		s, err := transport.Dial(ctx, url, events, transport.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
