package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/1ureka/icws/internal/certification"
	"github.com/1ureka/icws/internal/principal"
)

var (
	ErrSendEnvelope = errors.New("failed to send envelope")
	ErrStatus       = errors.New("failed to read status")
)

const (
	defaultIngressExpiry = 5 * time.Minute
	defaultRetries       = 3
	defaultRetryInterval = 500 * time.Millisecond
	maxResponseSize      = 4 << 20

	contentTypeCBOR = "application/cbor"
	selfDescribeTag = 55799
)

// Agent submits requests to one replica endpoint.
type Agent struct {
	host          string
	identity      *Identity
	client        *http.Client
	rootKey       []byte
	verifier      certification.Verifier
	log           *zap.Logger
	now           func() time.Time
	retries       uint64
	retryInterval time.Duration
	relay         Relay
}

// Relay forwards frames to the gateway, which relays signed envelopes to
// the canister. *transport.Socket satisfies it.
type Relay interface {
	Send(data []byte) error
}

// Option configures an Agent.
type Option func(*Agent)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.client = c }
}

// WithRootKey sets the DER root key used to verify read_state responses.
func WithRootKey(key []byte) Option {
	return func(a *Agent) { a.rootKey = key }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithRetries sets how many times a failed submission is retried, and the
// initial delay between attempts.
func WithRetries(n uint64, interval time.Duration) Option {
	return func(a *Agent) {
		a.retries = n
		a.retryInterval = interval
	}
}

// WithClock replaces the time source for ingress expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithCertificateVerifier replaces the BLS verifier for read_state
// certificates.
func WithCertificateVerifier(v certification.Verifier) Option {
	return func(a *Agent) { a.verifier = v }
}

// New creates an agent for the replica at host, e.g. https://icp-api.io.
func New(host string, identity *Identity, opts ...Option) (*Agent, error) {
	if host == "" {
		return nil, errors.New("agent host is required")
	}
	if identity == nil {
		return nil, errors.New("agent identity is required")
	}

	a := &Agent{
		host:          strings.TrimRight(host, "/"),
		identity:      identity,
		client:        &http.Client{Timeout: 30 * time.Second},
		rootKey:       certification.MainnetRootKey,
		verifier:      certification.BLSVerifier{},
		log:           zap.NewNop(),
		now:           time.Now,
		retries:       defaultRetries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Via returns a copy of the agent that submits calls through r instead of
// the replica HTTP endpoint. Status reads still use HTTP.
func (a *Agent) Via(r Relay) *Agent {
	c := *a
	c.relay = r
	return &c
}

// Identity returns the signing identity.
func (a *Agent) Identity() *Identity {
	return a.identity
}

// RootKey returns the DER root key in use.
func (a *Agent) RootKey() []byte {
	return a.rootKey
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type callRequest struct {
	RequestType   string `cbor:"request_type"`
	CanisterID    []byte `cbor:"canister_id"`
	MethodName    string `cbor:"method_name"`
	Arg           []byte `cbor:"arg"`
	Sender        []byte `cbor:"sender"`
	IngressExpiry uint64 `cbor:"ingress_expiry"`
	Nonce         []byte `cbor:"nonce,omitempty"`
}

func (r callRequest) fields() map[string]any {
	m := map[string]any{
		"request_type":   r.RequestType,
		"canister_id":    r.CanisterID,
		"method_name":    r.MethodName,
		"arg":            r.Arg,
		"sender":         r.Sender,
		"ingress_expiry": r.IngressExpiry,
	}
	if r.Nonce != nil {
		m["nonce"] = r.Nonce
	}
	return m
}

type readStateRequest struct {
	RequestType   string     `cbor:"request_type"`
	Sender        []byte     `cbor:"sender"`
	Paths         [][][]byte `cbor:"paths"`
	IngressExpiry uint64     `cbor:"ingress_expiry"`
}

func (r readStateRequest) fields() map[string]any {
	return map[string]any{
		"request_type":   r.RequestType,
		"sender":         r.Sender,
		"paths":          r.Paths,
		"ingress_expiry": r.IngressExpiry,
	}
}

type envelope struct {
	Content      any    `cbor:"content"`
	SenderPubkey []byte `cbor:"sender_pubkey"`
	SenderSig    []byte `cbor:"sender_sig"`
}

// relayMessage is what the gateway expects on the socket.
type relayMessage struct {
	Envelope   envelope `cbor:"envelope"`
	CanisterID []byte   `cbor:"canister_id"`
}

// sign wraps content in a signed envelope.
func (a *Agent) sign(content any, fields map[string]any) (RequestID, envelope, error) {
	id, err := hashOfMap(fields)
	if err != nil {
		return RequestID{}, envelope{}, fmt.Errorf("failed to compute request id: %w", err)
	}
	return id, envelope{
		Content:      content,
		SenderPubkey: a.identity.PublicKey(),
		SenderSig:    a.identity.Sign(append(append([]byte{}, requestDomain...), id[:]...)),
	}, nil
}

func marshalTagged(v any) ([]byte, error) {
	body, err := cbor.Marshal(cbor.Tag{Number: selfDescribeTag, Content: v})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return body, nil
}

func (a *Agent) expiry() uint64 {
	return uint64(a.now().Add(defaultIngressExpiry).UnixNano())
}

// Call submits an update call and returns its request id without waiting
// for the reply. With a relay attached the envelope goes through the
// gateway socket; otherwise it is posted to the replica.
func (a *Agent) Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) (RequestID, error) {
	if arg == nil {
		arg = []byte{}
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return RequestID{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := callRequest{
		RequestType:   "call",
		CanisterID:    canisterID,
		MethodName:    method,
		Arg:           arg,
		Sender:        a.identity.Sender(),
		IngressExpiry: a.expiry(),
		Nonce:         nonce,
	}
	id, env, err := a.sign(req, req.fields())
	if err != nil {
		return RequestID{}, err
	}

	if a.relay != nil {
		err = a.relayCall(ctx, env, canisterID)
	} else {
		err = a.postCall(ctx, env, canisterID, method)
	}
	if err != nil {
		return RequestID{}, err
	}

	a.log.Debug("call submitted",
		zap.String("method", method),
		zap.Stringer("canister", canisterID),
		zap.Stringer("request_id", id))
	return id, nil
}

// relayCall sends the envelope through the gateway socket. Delivery is
// fire-and-forget: only the local write is retried.
func (a *Agent) relayCall(ctx context.Context, env envelope, canisterID principal.Principal) error {
	data, err := marshalTagged(relayMessage{Envelope: env, CanisterID: canisterID})
	if err != nil {
		return err
	}
	return a.retry(ctx, func() error {
		if err := a.relay.Send(data); err != nil {
			return fmt.Errorf("%w through the websocket: %w", ErrSendEnvelope, err)
		}
		return nil
	})
}

func (a *Agent) postCall(ctx context.Context, env envelope, canisterID principal.Principal, method string) error {
	body, err := marshalTagged(env)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("/api/v2/canister/%s/call", canisterID)
	return a.retry(ctx, func() error {
		status, resp, err := a.do(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendEnvelope, err)
		}
		switch {
		case status == http.StatusAccepted || status == http.StatusOK:
			return nil
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s: status %d", ErrSendEnvelope, method, status)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s: status %d: %s", ErrSendEnvelope, method, status, bytes.TrimSpace(resp)))
		}
	})
}

func (a *Agent) retry(ctx context.Context, op backoff.Operation) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, a.retries), ctx)

	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		a.log.Warn("request failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	})
}

// do performs one HTTP request against the replica.
func (a *Agent) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.host+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeCBOR)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
