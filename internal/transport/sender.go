package transport

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/1ureka/icws/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// sender is a goroutine-based frame writer that serializes all writes to a
// single WebSocket connection.
type sender struct {
	ctx   context.Context
	inbox chan []byte
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or a write fails, in which case onFail is called.
func newSender(ctx context.Context, conn *websocket.Conn, onFail func(error)) *sender {
	s := &sender{
		ctx:   ctx,
		inbox: make(chan []byte, sendBufferSize),
	}
	go s.loop(conn, onFail)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(conn *websocket.Conn, onFail func(error)) {
	for {
		select {
		case data := <-s.inbox:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				onFail(err)
				return
			}
			util.Stats.AddSent(len(data))
		case <-s.ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission. It blocks if the internal buffer
// is full and fails once the socket is closed.
func (s *sender) send(data []byte) error {
	select {
	case s.inbox <- data:
		return nil
	case <-s.ctx.Done():
		return ErrNotOpen
	}
}
