package signal

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	relayWriteTimeout = 10 * time.Second
	relayReadLimit    = 32 * 1024
	roomCapacity      = 2
)

// Relay is the websocket pairing server: exactly two peers join a room
// and every message from one is forwarded verbatim to the other. The
// relay never inspects payloads and keeps no state beyond room
// membership.
type Relay struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string][]*relayPeer
}

type relayPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *relayPeer) forward(msgType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return p.conn.WriteMessage(msgType, data)
}

// NewRelay creates a relay handler.
func NewRelay(log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		log:   log.Named("relay"),
		rooms: make(map[string][]*relayPeer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay carries no credentials and no payload it
			// understands; origin checks belong to the deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and joins the peer to its room.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	room := req.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	peer := &relayPeer{conn: conn}

	r.mu.Lock()
	if len(r.rooms[room]) >= roomCapacity {
		r.mu.Unlock()
		r.log.Warn("room full", zap.String("room", room))
		conn.Close()
		return
	}
	r.rooms[room] = append(r.rooms[room], peer)
	members := len(r.rooms[room])
	r.mu.Unlock()

	r.log.Info("peer joined", zap.String("room", room), zap.Int("members", members))
	conn.SetReadLimit(relayReadLimit)

	defer r.leave(room, peer)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if other := r.other(room, peer); other != nil {
			if err := other.forward(msgType, data); err != nil {
				r.log.Debug("forward failed", zap.String("room", room), zap.Error(err))
				return
			}
		}
	}
}

func (r *Relay) other(room string, self *relayPeer) *relayPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rooms[room] {
		if p != self {
			return p
		}
	}
	return nil
}

// leave removes the peer and closes its partner: a traversal round
// cannot continue with half a signaling channel.
func (r *Relay) leave(room string, self *relayPeer) {
	self.conn.Close()
	r.mu.Lock()
	peers := r.rooms[room]
	remaining := peers[:0]
	for _, p := range peers {
		if p != self {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(r.rooms, room)
	} else {
		r.rooms[room] = remaining
	}
	r.mu.Unlock()

	for _, p := range remaining {
		p.conn.Close()
	}
	r.log.Info("peer left", zap.String("room", room))
}
