package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WS is a Channel over a websocket connection to a relay server. Two
// peers that join the same room are paired; everything one sends is
// delivered to the other.
type WS struct {
	conn *websocket.Conn

	// gorilla allows one concurrent reader and one concurrent writer
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// Dial joins the given room on the relay at base (e.g.
// "ws://host:8080/ws").
func Dial(ctx context.Context, base, room string) (*WS, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("signal: bad relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &WS{conn: conn}, nil
}

// Send implements Channel.
func (w *WS) Send(ctx context.Context, msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Recv implements Channel.
func (w *WS) Recv(ctx context.Context) (Message, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	w.conn.SetReadDeadline(deadline)

	var msg Message
	if err := w.conn.ReadJSON(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return msg, nil
}

// Close closes the websocket.
func (w *WS) Close() error {
	return w.conn.Close()
}
