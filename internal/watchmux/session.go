package watchmux

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localcluster/kubedaemon/internal/contextstore"
)

// outboundQueueSize bounds the per-session outbound frame buffer.
// When it is full, emit blocks the producing stream's goroutine
// rather than the whole session, which is the backpressure mechanism
// named in the algorithm: upstream consumption stops until the
// client drains its socket.
const outboundQueueSize = 256

// slowConsumerTimeout closes a session whose outbound queue stays
// full while the client reads nothing for this long.
const slowConsumerTimeout = 60 * time.Second

// clusterLookup resolves a cluster id to its registered context,
// reporting ClusterUnknown without reaching into the store's full
// API surface. Satisfied by *contextstore.Store.
type clusterLookup interface {
	Get(name string) (*contextstore.ClusterContext, bool)
}

// Session is one WebSocket connection's multiplexed state: the set of
// active per-request streams and the outbound frame queue they share.
type Session struct {
	clientID  string
	createdAt time.Time

	resolver ClusterResolver
	clusters clusterLookup
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	activeRequests map[requestKey]*watchStream

	out chan Frame
}

// NewSession creates a Session bound to the given cluster resolver
// and lookup, deriving its lifetime from ctx (normally the owning
// connection handler's context).
func NewSession(ctx context.Context, resolver ClusterResolver, clusters clusterLookup, log *slog.Logger) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	if log == nil {
		log = slog.Default()
	}
	clientID := uuid.NewString()
	return &Session{
		clientID:       clientID,
		createdAt:      time.Now(),
		resolver:       resolver,
		clusters:       clusters,
		log:            log.With("component", "watchmux", "client_id", clientID),
		ctx:            sessCtx,
		cancel:         cancel,
		activeRequests: make(map[requestKey]*watchStream),
		out:            make(chan Frame, outboundQueueSize),
	}
}

// ClientID returns the session's opaque identifier.
func (s *Session) ClientID() string { return s.clientID }

// Outbound returns the channel the connection handler drains to write
// frames to the socket.
func (s *Session) Outbound() <-chan Frame { return s.out }

func (s *Session) lookupCluster(clusterID string) (*contextstore.ClusterContext, bool) {
	return s.clusters.Get(clusterID)
}

// emit enqueues a frame for delivery to the client. It blocks when
// the outbound queue is full (backpressure), unless the session is
// cancelled first.
func (s *Session) emit(f Frame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

// HandleRequest processes an inbound REQUEST frame: per the chosen
// duplicate policy, a REQUEST for a requestKey that already has a
// live stream resets it before starting the new one.
func (s *Session) HandleRequest(f Frame) {
	key := newRequestKey(f)

	s.mu.Lock()
	if existing, ok := s.activeRequests[key]; ok {
		delete(s.activeRequests, key)
		s.mu.Unlock()
		existing.stop()
		s.emit(statusFrame(key, f.UserID, StatusDuplicateReset, ""))
		s.mu.Lock()
	}

	stream := newWatchStream(s, f)
	s.activeRequests[key] = stream
	s.mu.Unlock()

	stream.start(s.ctx)
	go s.reapOnDone(key, stream)
}

// HandleClose processes an inbound CLOSE frame, tearing down the
// matching stream if one is active.
func (s *Session) HandleClose(f Frame) {
	key := newRequestKey(f)

	s.mu.Lock()
	stream, ok := s.activeRequests[key]
	delete(s.activeRequests, key)
	s.mu.Unlock()

	if !ok {
		return
	}
	stream.stop()
}

// reapOnDone removes a stream from activeRequests once it reaches a
// terminal state on its own (exhausted retries, upstream closed for
// good), so a finished stream doesn't block a future REQUEST for the
// same key from starting fresh.
func (s *Session) reapOnDone(key requestKey, stream *watchStream) {
	<-stream.done
	s.mu.Lock()
	if s.activeRequests[key] == stream {
		delete(s.activeRequests, key)
	}
	s.mu.Unlock()
}

// Close tears down every active stream and releases their upstream
// connections before returning, satisfying the invariant that closing
// the socket cancels all children synchronously.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	streams := make([]*watchStream, 0, len(s.activeRequests))
	for _, st := range s.activeRequests {
		streams = append(streams, st)
	}
	s.activeRequests = make(map[requestKey]*watchStream)
	s.mu.Unlock()

	for _, st := range streams {
		<-st.done
	}
}

// ActiveStreamCount reports the number of live streams, used by
// metrics and tests.
func (s *Session) ActiveStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRequests)
}
