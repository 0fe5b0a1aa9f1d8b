package conn

// Handler receives the application-facing events of a Conn.
//
// Callbacks are never invoked concurrently. OnOpen fires at most once, and
// OnClose fires exactly once and is always the last call.
type Handler[T any] interface {
	OnOpen()
	OnMessage(msg T)
	OnError(err error)
	OnClose(code int, reason string)
}

// HandlerFuncs adapts optional functions to a Handler. Unset events are
// logged and dropped.
type HandlerFuncs[T any] struct {
	Open    func()
	Message func(msg T)
	Error   func(err error)
	Close   func(code int, reason string)
}

func (h HandlerFuncs[T]) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

func (h HandlerFuncs[T]) OnMessage(msg T) {
	if h.Message != nil {
		h.Message(msg)
	}
}

func (h HandlerFuncs[T]) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h HandlerFuncs[T]) OnClose(code int, reason string) {
	if h.Close != nil {
		h.Close(code, reason)
	}
}

func (h HandlerFuncs[T]) defined(event string) bool {
	switch event {
	case eventOpen:
		return h.Open != nil
	case eventMessage:
		return h.Message != nil
	case eventError:
		return h.Error != nil
	case eventClose:
		return h.Close != nil
	}
	return false
}

// partialHandler is implemented by handlers that may leave events unset.
type partialHandler interface {
	defined(event string) bool
}

// Codec converts application messages to and from the bytes carried in the
// content of a WebsocketMessage.
type Codec[T any] interface {
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// RawCodec passes content through unchanged.
type RawCodec struct{}

func (RawCodec) Marshal(msg []byte) ([]byte, error) { return msg, nil }

func (RawCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }
