package main

import (
	"errors"
	"fmt"

	"github.com/1ureka/icws/internal/candid"
)

var errInvalidAppMessage = errors.New("invalid application message")

// AppMessage is the message type of the demo canister:
// record { text : text; timestamp : nat64 }.
type AppMessage struct {
	Text      string
	Timestamp uint64
}

// appCodec encodes AppMessage as Candid.
type appCodec struct{}

func (appCodec) Marshal(m AppMessage) ([]byte, error) {
	return candid.Marshal(candid.Record{
		candid.F("text", candid.Text(m.Text)),
		candid.F("timestamp", candid.Nat64(m.Timestamp)),
	})
}

func (appCodec) Unmarshal(data []byte) (AppMessage, error) {
	v, err := candid.UnmarshalOne(data)
	if err != nil {
		return AppMessage{}, fmt.Errorf("%w: %w", errInvalidAppMessage, err)
	}
	rec, ok := v.(candid.Record)
	if !ok {
		return AppMessage{}, fmt.Errorf("%w: expected record, got %T", errInvalidAppMessage, v)
	}

	text, _ := rec.Get("text")
	ts, _ := rec.Get("timestamp")
	t, ok1 := text.(candid.Text)
	n, ok2 := ts.(candid.Nat64)
	if !ok1 || !ok2 {
		return AppMessage{}, fmt.Errorf("%w: want record { text; timestamp }", errInvalidAppMessage)
	}
	return AppMessage{Text: string(t), Timestamp: uint64(n)}, nil
}
