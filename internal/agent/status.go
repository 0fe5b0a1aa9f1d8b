package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/icws/internal/certification"
	"github.com/1ureka/icws/internal/principal"
)

// Request statuses reported by read_state.
const (
	StatusUnknown    = "unknown"
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusReplied    = "replied"
	StatusRejected   = "rejected"
	StatusDone       = "done"
)

// RequestStatus is the certified state of a submitted request.
type RequestStatus struct {
	Status        string
	RejectCode    uint64
	RejectMessage string
}

func (s RequestStatus) String() string {
	if s.Status == StatusRejected {
		return fmt.Sprintf("%s (code %d: %s)", s.Status, s.RejectCode, s.RejectMessage)
	}
	return s.Status
}

type readStateResponse struct {
	Certificate []byte `cbor:"certificate"`
}

// RequestStatus reads the certified status of request id.
func (a *Agent) RequestStatus(ctx context.Context, canisterID principal.Principal, id RequestID) (RequestStatus, error) {
	prefix := [][]byte{[]byte("request_status"), id[:]}
	req := readStateRequest{
		RequestType:   "read_state",
		Sender:        a.identity.Sender(),
		Paths:         [][][]byte{prefix},
		IngressExpiry: a.expiry(),
	}
	_, env, err := a.sign(req, req.fields())
	if err != nil {
		return RequestStatus{}, err
	}
	body, err := marshalTagged(env)
	if err != nil {
		return RequestStatus{}, err
	}

	endpoint := fmt.Sprintf("/api/v2/canister/%s/read_state", canisterID)
	status, resp, err := a.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return RequestStatus{}, fmt.Errorf("%w: %w", ErrStatus, err)
	}
	if status != http.StatusOK {
		return RequestStatus{}, fmt.Errorf("%w: status %d", ErrStatus, status)
	}

	var rs readStateResponse
	if err := cbor.Unmarshal(untag(resp), &rs); err != nil {
		return RequestStatus{}, fmt.Errorf("%w: %w", ErrStatus, err)
	}
	cert, err := certification.DecodeCertificate(rs.Certificate)
	if err != nil {
		return RequestStatus{}, fmt.Errorf("%w: %w", ErrStatus, err)
	}
	err = cert.Verify(certification.VerifyOptions{
		CanisterID: canisterID,
		RootKey:    a.rootKey,
		Now:        a.now(),
		Verifier:   a.verifier,
	})
	if err != nil {
		return RequestStatus{}, fmt.Errorf("%w: %w", ErrStatus, err)
	}

	lookup := func(label string) ([]byte, bool) {
		return cert.Lookup(append(prefix, []byte(label))...)
	}

	state, ok := lookup("status")
	if !ok {
		return RequestStatus{Status: StatusUnknown}, nil
	}
	result := RequestStatus{Status: string(state)}
	if result.Status == StatusRejected {
		if code, ok := lookup("reject_code"); ok {
			result.RejectCode, _ = binary.Uvarint(code)
		}
		if msg, ok := lookup("reject_message"); ok {
			result.RejectMessage = string(msg)
		}
	}
	return result, nil
}

type statusResponse struct {
	RootKey []byte `cbor:"root_key"`
}

// FetchRootKey reads the root key advertised by the replica and uses it
// from then on. Only local and test networks should be trusted this way.
func (a *Agent) FetchRootKey(ctx context.Context) ([]byte, error) {
	status, resp, err := a.do(ctx, http.MethodGet, "/api/v2/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch root key: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch root key: status %d", status)
	}

	var sr statusResponse
	if err := cbor.Unmarshal(untag(resp), &sr); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if len(sr.RootKey) == 0 {
		return nil, fmt.Errorf("failed to fetch root key: status has no root_key")
	}

	a.rootKey = sr.RootKey
	return sr.RootKey, nil
}

// untag strips a leading self-describe tag.
func untag(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xd9, 0xd9, 0xf7})
}
