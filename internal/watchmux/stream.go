package watchmux

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// streamState is the WatchStream lifecycle named in the data model:
// Pending -> Connecting -> Streaming -> Draining -> Closed (terminal),
// with error transitions from any non-terminal state landing on
// Closed.
type streamState string

const (
	statePending    streamState = "Pending"
	stateConnecting streamState = "Connecting"
	stateStreaming  streamState = "Streaming"
	stateDraining   streamState = "Draining"
	stateClosed     streamState = "Closed"
)

// requestKey identifies one multiplexed stream within a session. At
// most one WatchStream may be live per requestKey per session.
type requestKey struct {
	clusterID string
	path      string
	query     string
}

func newRequestKey(f Frame) requestKey {
	return requestKey{clusterID: f.ClusterID, path: f.Path, query: f.Query}
}

const (
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
	maxWatchAttempts   = 10
	maxOneShotAttempts = 3
)

// watchStream runs one REQUEST's lifetime: it owns the upstream
// connection, retries transient failures, and emits frames onto the
// session's outbound queue until cancelled or exhausted.
type watchStream struct {
	key     requestKey
	userID  string
	token   string
	isWatch bool

	session *Session

	mu              sync.Mutex
	state           streamState
	resourceVersion string
	lastError       error

	cancel context.CancelFunc
	done   chan struct{}
}

func newWatchStream(sess *Session, f Frame) *watchStream {
	return &watchStream{
		key:     newRequestKey(f),
		userID:  f.UserID,
		token:   f.Token,
		isWatch: strings.Contains(f.Query, "watch=true"),
		session: sess,
		state:   statePending,
		done:    make(chan struct{}),
	}
}

func (s *watchStream) setState(state streamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *watchStream) State() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// start launches the stream's goroutine. ctx is the session's
// context; the stream derives its own cancellable child so a CLOSE
// frame or session teardown can stop it independently of siblings.
func (s *watchStream) start(ctx context.Context) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer close(s.done)
		if s.isWatch {
			s.runWatch(streamCtx)
		} else {
			s.runOneShot(streamCtx)
		}
	}()
}

// stop cancels the stream and blocks until its goroutine has exited,
// satisfying the invariant that closing releases upstream connections
// before the handler returns.
func (s *watchStream) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *watchStream) runOneShot(ctx context.Context) {
	s.setState(stateConnecting)

	if _, ok := s.session.lookupCluster(s.key.clusterID); !ok {
		s.session.emit(statusFrame(s.key, s.userID, StatusClusterUnknown, ""))
		s.setState(stateClosed)
		return
	}

	bo := newBackoff(backoffBase, backoffCap)
	for attempt := 1; attempt <= maxOneShotAttempts; attempt++ {
		client, err := newUpstreamClient(ctx, s.session.resolver, s.key.clusterID, s.token)
		if err == nil {
			body, getErr := client.get(ctx, s.key.path, s.key.query)
			if getErr == nil {
				s.setState(stateStreaming)
				s.session.emit(dataFrame(s.key, s.userID, string(body)))
				s.session.emit(completeFrame(s.key, s.userID))
				s.setState(stateClosed)
				return
			}
			err = getErr
		}

		if isUnauthorized(err) {
			s.fail(StatusUnauthorized, err)
			return
		}
		if ctx.Err() != nil {
			s.close()
			return
		}
		if attempt == maxOneShotAttempts {
			s.fail(StatusClosed, err)
			return
		}
		s.session.emit(statusFrame(s.key, s.userID, StatusReconnecting, err.Error()))
		if !sleepCtx(ctx, bo.Next()) {
			s.close()
			return
		}
	}
}

func (s *watchStream) runWatch(ctx context.Context) {
	s.setState(stateConnecting)

	if _, ok := s.session.lookupCluster(s.key.clusterID); !ok {
		s.session.emit(statusFrame(s.key, s.userID, StatusClusterUnknown, ""))
		s.setState(stateClosed)
		return
	}

	bo := newBackoff(backoffBase, backoffCap)
	attempts := 0

	for {
		if ctx.Err() != nil {
			s.close()
			return
		}

		client, err := newUpstreamClient(ctx, s.session.resolver, s.key.clusterID, s.token)
		if err != nil {
			if !s.retryOrFail(ctx, bo, &attempts, err) {
				return
			}
			continue
		}

		items, rv, err := client.list(ctx, s.key.path, s.key.query)
		if err != nil {
			if isUnauthorized(err) {
				s.fail(StatusUnauthorized, err)
				return
			}
			if !s.retryOrFail(ctx, bo, &attempts, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.resourceVersion = rv
		s.mu.Unlock()

		s.setState(stateStreaming)
		s.session.emit(statusFrame(s.key, s.userID, StatusStreaming, ""))
		for _, item := range items {
			s.session.emit(dataFrame(s.key, s.userID, string(item)))
		}

		bo.Reset()
		attempts = 0
		gone, watchErr := s.runWatchOnce(ctx, client, rv)
		if ctx.Err() != nil {
			s.close()
			return
		}
		if watchErr != nil {
			if isUnauthorized(watchErr) {
				s.fail(StatusUnauthorized, watchErr)
				return
			}
			if !s.retryOrFail(ctx, bo, &attempts, watchErr) {
				return
			}
			continue
		}
		if gone {
			// 410 Gone / resource version too old: relist and restart,
			// marking the boundary so the client can reconcile.
			s.session.emit(completeFrame(s.key, s.userID))
			continue
		}
		// Watch ended cleanly (server closed it); relist and resume.
		s.session.emit(completeFrame(s.key, s.userID))
	}
}

// runWatchOnce streams a single watch connection's events until it
// ends, reporting whether the server signalled resource-version
// expiry (410 Gone).
func (s *watchStream) runWatchOnce(ctx context.Context, client *upstreamClient, rv string) (gone bool, err error) {
	query := withResourceVersion(s.key.query, rv)
	events, errs, closeFn, err := client.watch(ctx, s.key.path, query)
	if err != nil {
		if se, ok := err.(*statusError); ok && se.code == 410 {
			return true, nil
		}
		return false, err
	}
	defer closeFn()

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case watchErr, ok := <-errs:
			if ok {
				return false, watchErr
			}

		case ev, ok := <-events:
			if !ok {
				return false, nil
			}
			if ev.Type == "ERROR" {
				status, decodeErr := decodeStatus(ev.Object.Raw)
				if decodeErr == nil && status != nil && status.Code == 410 {
					return true, nil
				}
				s.session.emit(statusFrame(s.key, s.userID, StatusWarning, "upstream watch error event"))
				continue
			}
			s.session.emit(dataFrame(s.key, s.userID, string(ev.Object.Raw)))
		}
	}
}

func decodeStatus(raw []byte) (*rawStatus, error) {
	var st rawStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

type rawStatus struct {
	Code int `json:"code"`
}

// retryOrFail applies the retry/backoff policy for watch streams
// (up to maxWatchAttempts), emitting Reconnecting between attempts
// and failing terminally once exhausted. It returns false when the
// stream should stop (either failed or cancelled).
func (s *watchStream) retryOrFail(ctx context.Context, bo *backoff, attempts *int, err error) bool {
	*attempts++
	if *attempts >= maxWatchAttempts {
		s.fail(StatusClosed, err)
		return false
	}
	s.session.emit(statusFrame(s.key, s.userID, StatusReconnecting, err.Error()))
	if !sleepCtx(ctx, bo.Next()) {
		s.close()
		return false
	}
	return true
}

func (s *watchStream) fail(state string, err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.session.emit(statusFrame(s.key, s.userID, state, msg))
	s.setState(stateClosed)
}

func (s *watchStream) close() {
	s.setState(stateDraining)
	s.session.emit(statusFrame(s.key, s.userID, StatusClosed, ""))
	s.setState(stateClosed)
}
