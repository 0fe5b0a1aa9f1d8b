package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newGateway starts a WebSocket server and hands every accepted connection
// to the test.
func newGateway(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

type closeEvent struct {
	code   int
	reason string
}

type recorder struct {
	opened   chan struct{}
	messages chan []byte
	errs     chan error
	closed   chan closeEvent
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 1),
		messages: make(chan []byte, 8),
		errs:     make(chan error, 1),
		closed:   make(chan closeEvent, 1),
	}
}

func (r *recorder) OnOpen()                         { r.opened <- struct{}{} }
func (r *recorder) OnMessage(data []byte)           { r.messages <- data }
func (r *recorder) OnError(err error)               { r.errs <- err }
func (r *recorder) OnClose(code int, reason string) { r.closed <- closeEvent{code, reason} }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func dial(t *testing.T) (*Socket, *recorder, *websocket.Conn) {
	t.Helper()
	url, conns := newGateway(t)
	rec := newRecorder()
	s, err := Dial(context.Background(), url, rec)
	require.NoError(t, err)
	gw := receive(t, conns)
	t.Cleanup(func() { gw.Close() })
	receive(t, rec.opened)
	return s, rec, gw
}

// serve keeps reading on the gateway side so control frames get answered.
func serve(gw *websocket.Conn) <-chan []byte {
	frames := make(chan []byte, 8)
	go func() {
		defer close(frames)
		for {
			_, data, err := gw.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	return frames
}

func TestSocketExchange(t *testing.T) {
	s, rec, gw := dial(t)
	assert.Equal(t, Open, s.State())

	require.NoError(t, gw.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	assert.Equal(t, []byte("hello"), receive(t, rec.messages))

	frames := serve(gw)
	require.NoError(t, s.Send([]byte("one")))
	require.NoError(t, s.Send([]byte("two")))
	assert.Equal(t, []byte("one"), receive(t, frames))
	assert.Equal(t, []byte("two"), receive(t, frames))
}

func TestSocketGatewayClose(t *testing.T) {
	s, rec, gw := dial(t)

	msg := websocket.FormatCloseMessage(4000, "Message sending failed")
	require.NoError(t, gw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	ev := receive(t, rec.closed)
	assert.Equal(t, closeEvent{4000, "Message sending failed"}, ev)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Send([]byte("late")), ErrNotOpen)
	assert.Empty(t, rec.errs)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSocketClientClose(t *testing.T) {
	s, rec, gw := dial(t)
	serve(gw)

	require.NoError(t, s.Close(CloseNormal, "done"))
	assert.ErrorIs(t, s.Send([]byte("late")), ErrNotOpen)

	ev := receive(t, rec.closed)
	assert.Equal(t, closeEvent{CloseNormal, "done"}, ev)
	assert.Equal(t, Closed, s.State())

	// Closing twice is a no-op.
	assert.NoError(t, s.Close(CloseNormal, "again"))
}

func TestSocketConnectionLost(t *testing.T) {
	s, rec, gw := dial(t)

	require.NoError(t, gw.NetConn().Close())

	// A dropped link is an error, not a close frame from the gateway.
	assert.ErrorContains(t, receive(t, rec.errs), "connection lost")
	ev := receive(t, rec.closed)
	assert.Equal(t, CloseAbnormal, ev.code)
	assert.Equal(t, Closed, s.State())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, newRecorder())
	assert.Error(t, err)
}

func TestReadyStateString(t *testing.T) {
	testCases := []struct {
		state ReadyState
		want  string
	}{
		{Connecting, "connecting"},
		{Open, "open"},
		{Closing, "closing"},
		{Closed, "closed"},
	}
	for _, tc := range testCases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
