package conn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotEstablished        = errors.New("connection is not established yet")
	ErrHandshake             = errors.New("handshake failed")
	ErrSequenceMismatch      = errors.New("received message sequence number does not match next expected value")
	ErrCertificateValidation = errors.New("certificate validation failed")
	ErrClientKeyMismatch     = errors.New("client key does not match")
	ErrInvalidServiceMessage = errors.New("invalid service message from canister")
	ErrOpenTimeout           = errors.New("open message timeout")
	ErrAckTimeout            = errors.New("ack message timeout")
	ErrAck                   = errors.New("ack message error")
	ErrSendFailed            = errors.New("message sending failed")
	ErrPanic                 = errors.New("panic while handling message")
)

// Configuration errors returned by Dial.
var (
	ErrMissingCanisterID = errors.New("canister id is required")
	ErrMissingIdentity   = errors.New("identity is required")
	ErrMissingNetworkURL = errors.New("network url is required")
	ErrMissingGatewayURL = errors.New("gateway url is required")
	ErrMissingCodec      = errors.New("application message codec is required")
)

// SequenceError reports an inbound sequence gap.
type SequenceError struct {
	Expected uint64
	Received uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%v. Expected: %d, received: %d", ErrSequenceMismatch, e.Expected, e.Received)
}

func (e *SequenceError) Is(target error) bool {
	return target == ErrSequenceMismatch
}

// AckTimeoutError lists the outbound sequence numbers that were never
// acknowledged.
type AckTimeoutError struct {
	Sequences []uint64
}

func (e *AckTimeoutError) Error() string {
	nums := make([]string, len(e.Sequences))
	for i, seq := range e.Sequences {
		nums[i] = fmt.Sprint(seq)
	}
	return fmt.Sprintf("%v. Not received ack for sequence numbers: %s", ErrAckTimeout, strings.Join(nums, ","))
}

func (e *AckTimeoutError) Is(target error) bool {
	return target == ErrAckTimeout
}
