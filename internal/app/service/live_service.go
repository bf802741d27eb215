package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"code_exec_service/internal/common"
	"code_exec_service/internal/common/security"
	"code_exec_service/internal/domain/model"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"

	"github.com/rs/zerolog/log"
)

// WebSocket close codes used by the live channel.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
	CloseUnauthorized  = 4001
	CloseForbidden     = 4003
)

const FrameExecutionUpdate = "execution_update"

// Conn is the transport a subscription writes to. It is used from a single
// writer goroutine plus one reader goroutine.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close(code int, reason string) error
}

type UpdateFrame struct {
	Type        string           `json:"type"`
	ExecutionID string           `json:"execution_id"`
	Data        *model.Execution `json:"data"`
}

type SubscriptionState string

const (
	StateConnecting    SubscriptionState = "connecting"
	StateAuthenticated SubscriptionState = "authenticated"
	StateSubscribed    SubscriptionState = "subscribed"
	StateClosed        SubscriptionState = "closed"
)

type LiveOptions struct {
	PollInterval time.Duration
	SendBuffer   int
}

// LiveService pushes execution changes to subscribed clients.
type LiveService struct {
	repo     repository.ExecutionRepository
	verifier security.Verifier
	hub      *hub
	poll     time.Duration
	metrics  *monitor.Metrics

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func NewLiveService(repo repository.ExecutionRepository, verifier security.Verifier, opts LiveOptions, metrics *monitor.Metrics) *LiveService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 4
	}
	return &LiveService{
		repo:     repo,
		verifier: verifier,
		hub:      newHub(opts.SendBuffer, metrics),
		poll:     opts.PollInterval,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
}

// Notify implements Notifier.
func (s *LiveService) Notify(ownerID string, exec *model.Execution) {
	s.hub.notify(ownerID, exec)
}

// Shutdown closes every open subscription with 1001.
func (s *LiveService) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

type subscription struct {
	id    string
	owner string
	state SubscriptionState
	conn  Conn
	last  model.ExecutionStatus
}

func (sub *subscription) transition(next SubscriptionState) {
	log.Debug().
		Str("execution_id", sub.id).
		Str("from", string(sub.state)).
		Str("to", string(next)).
		Msg("subscription state")
	sub.state = next
}

func (sub *subscription) close(code int, reason string) {
	if sub.state == StateClosed {
		return
	}
	sub.transition(StateClosed)
	if err := sub.conn.Close(code, reason); err != nil {
		log.Debug().Err(err).Str("execution_id", sub.id).Msg("closing live connection")
	}
}

// send writes a frame when the status differs from the last one delivered.
// It reports whether the subscription is finished.
func (sub *subscription) send(exec *model.Execution, force bool) (bool, error) {
	if !force && exec.Status == sub.last {
		return false, nil
	}
	if err := sub.conn.WriteJSON(UpdateFrame{
		Type:        FrameExecutionUpdate,
		ExecutionID: sub.id,
		Data:        exec,
	}); err != nil {
		return true, err
	}
	sub.last = exec.Status
	return exec.IsTerminal(), nil
}

// Subscribe authenticates token, checks that the caller owns executionID and
// then streams status changes until the execution finishes, the client goes
// away, ctx ends or the service shuts down. It always closes conn.
func (s *LiveService) Subscribe(ctx context.Context, conn Conn, token, executionID string) error {
	sub := &subscription{id: executionID, state: StateConnecting, conn: conn}

	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		sub.close(CloseUnauthorized, "Unauthorized")
		return err
	}
	sub.owner = identity.UserID
	sub.transition(StateAuthenticated)

	exec, found, err := s.repo.Get(ctx, executionID)
	if err != nil {
		sub.close(CloseInternalError, "execution store unavailable")
		return err
	}
	if !found || !exec.OwnedBy(identity.UserID) {
		sub.close(CloseForbidden, "Forbidden")
		return common.Errorf("subscribe to %s: %w", executionID, common.ErrForbidden)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notifications := s.hub.add(sub.owner, sub.id)
	defer s.hub.remove(sub.owner, sub.id, notifications)
	if s.metrics != nil {
		s.metrics.ActiveSubscriptions.Inc()
		defer s.metrics.ActiveSubscriptions.Dec()
	}
	sub.transition(StateSubscribed)

	changes, err := s.repo.Changes(ctx, executionID)
	if err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("change feed unavailable, falling back to polling")
		changes = nil
	}

	done, err := sub.send(exec, true)
	if err != nil {
		sub.close(CloseGoingAway, "write failed")
		return nil
	}
	if done {
		sub.close(CloseNormal, "execution finished")
		return nil
	}

	readErr := make(chan error, 1)
	pings := make(chan struct{}, 1)
	go readLoop(conn, pings, readErr)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		var next *model.Execution
		select {
		case <-s.shutdown:
			sub.close(CloseGoingAway, "server shutting down")
			return nil
		case <-ctx.Done():
			sub.close(CloseGoingAway, "server shutting down")
			return nil
		case err := <-readErr:
			log.Debug().Err(err).Str("execution_id", executionID).Msg("live client disconnected")
			sub.close(CloseNormal, "")
			return nil
		case <-pings:
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				sub.close(CloseGoingAway, "write failed")
				return nil
			}
			continue
		case next = <-notifications:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			next, err = s.refresh(ctx, sub)
		case <-ticker.C:
			next, err = s.refresh(ctx, sub)
		}

		if err != nil {
			log.Warn().Err(err).Str("execution_id", executionID).Msg("refreshing execution for live subscriber")
			err = nil
			continue
		}
		if next == nil {
			sub.close(CloseNormal, "execution expired")
			return nil
		}

		done, werr := sub.send(next, false)
		if werr != nil {
			sub.close(CloseGoingAway, "write failed")
			return nil
		}
		if done {
			sub.close(CloseNormal, "execution finished")
			return nil
		}
	}
}

// refresh returns nil, nil when the record has expired.
func (s *LiveService) refresh(ctx context.Context, sub *subscription) (*model.Execution, error) {
	exec, found, err := s.repo.Get(ctx, sub.id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return exec, nil
}

func readLoop(conn Conn, pings chan<- struct{}, readErr chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if isPing(msg) {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func isPing(msg []byte) bool {
	text := strings.TrimSpace(string(msg))
	if strings.EqualFold(text, "ping") {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(msg, &frame) == nil && strings.EqualFold(frame.Type, "ping") {
		return true
	}
	return false
}

// hub fans in-process notifications out to subscribers of an
// (owner, execution) pair. Delivery never blocks the notifier.
type hub struct {
	mu      sync.Mutex
	subs    map[string]map[chan *model.Execution]struct{}
	buffer  int
	metrics *monitor.Metrics
}

func newHub(buffer int, metrics *monitor.Metrics) *hub {
	return &hub{
		subs:    make(map[string]map[chan *model.Execution]struct{}),
		buffer:  buffer,
		metrics: metrics,
	}
}

func hubKey(ownerID, executionID string) string {
	return ownerID + "/" + executionID
}

func (h *hub) add(ownerID, executionID string) chan *model.Execution {
	ch := make(chan *model.Execution, h.buffer)
	key := hubKey(ownerID, executionID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan *model.Execution]struct{})
	}
	h.subs[key][ch] = struct{}{}
	return ch
}

func (h *hub) remove(ownerID, executionID string, ch chan *model.Execution) {
	key := hubKey(ownerID, executionID)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[key], ch)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

func (h *hub) notify(ownerID string, exec *model.Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[hubKey(ownerID, exec.ID)] {
		select {
		case ch <- exec:
		default:
			if h.metrics != nil {
				h.metrics.NotificationsDropped.Inc()
			}
		}
	}
}

func (h *hub) count(ownerID, executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[hubKey(ownerID, executionID)])
}
