package watchmux

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// pongWait/pingPeriod implement the standard gorilla/websocket
// keepalive pattern: the client must ack a ping within pongWait or
// the connection is dropped; pings are sent often enough to stay
// under that deadline with margin.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP server layer
}

// Handler upgrades incoming requests to the Watch Multiplexer's
// WebSocket protocol and runs one Session per connection for its
// lifetime.
type Handler struct {
	resolver ClusterResolver
	clusters clusterLookup
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHandler returns a Handler serving the Watch Multiplexer endpoints
// (`/ws`, `/wsMultiplexer`, and the per-cluster socket routes), backed
// by resolver for upstream REST config and clusters for ClusterUnknown
// checks.
func NewHandler(resolver ClusterResolver, clusters clusterLookup, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		resolver: resolver,
		clusters: clusters,
		log:      log.With("component", "watchmux"),
		sessions: make(map[*Session]struct{}),
	}
}

// Shutdown closes every live session, cancelling their streams and
// releasing upstream connections. It does not wait for the
// underlying HTTP connections to close; callers should shut down the
// HTTP server separately.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	// The session outlives the originating HTTP handler's request
	// context once the connection is hijacked, so it is rooted on
	// context.Background and torn down explicitly when the socket
	// closes or Handler.Shutdown cancels it.
	h.serve(context.Background(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	sess := NewSession(ctx, h.resolver, h.clusters, h.log)
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess)
		h.mu.Unlock()
	}()
	defer sess.Close()

	log := h.log.With("client_id", sess.ClientID())
	log.Info("watch multiplexer session opened")
	defer log.Info("watch multiplexer session closed")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go h.writeLoop(conn, sess, writerDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameRequest:
			sess.HandleRequest(frame)
		case FrameClose:
			sess.HandleClose(frame)
		default:
			log.Warn("ignoring unexpected inbound frame type", "type", frame.Type)
		}
	}

	sess.Close()
	<-writerDone
}

// writeLoop drains the session's outbound queue to the socket and
// sends periodic pings; it owns all writes to conn so reads and
// writes never race on the same connection.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *Session, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	idleSince := time.Time{}

	for {
		select {
		case frame, ok := <-sess.Outbound():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.log.Warn("websocket write failed", "client_id", sess.ClientID(), "error", err)
				return
			}
			idleSince = time.Time{}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if len(sess.Outbound()) == outboundQueueSize {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) > slowConsumerTimeout {
					h.log.Warn("closing slow consumer", "client_id", sess.ClientID())
					conn.WriteJSON(statusFrame(requestKey{}, "", StatusSlowConsumer, ""))
					return
				}
			} else {
				idleSince = time.Time{}
			}

		case <-sess.ctx.Done():
			return
		}
	}
}
