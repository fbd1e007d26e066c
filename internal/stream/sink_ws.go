package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSSink is a one-way WebSocket feed. Inbound frames are read and discarded so control
// frames are processed and a client close is noticed.
type WSSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	done         chan struct{}
	doneOnce     sync.Once
	closeOnce    sync.Once
}

var _ Sink = (*WSSink)(nil)

// NewWSSink wraps an upgraded connection and starts its read loop
func NewWSSink(conn *websocket.Conn, writeTimeout time.Duration) *WSSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	s := &WSSink{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
	go s.readPump()
	return s
}

func (s *WSSink) readPump() {
	defer s.doneOnce.Do(func() { close(s.done) })
	s.conn.SetReadLimit(512)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// Send implements Sink. Callers serialize sends.
func (s *WSSink) Send(msg Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// Done implements Sink
func (s *WSSink) Done() <-chan struct{} {
	return s.done
}

// Close sends a close frame and closes the connection
func (s *WSSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		err = s.conn.Close()
	})
	return err
}
