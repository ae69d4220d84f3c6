package investigation

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/alert"
)

// Outcome is the disposition of a submitted alert.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// SubmitResult is the outcome of submitting an alert for investigation.
type SubmitResult struct {
	ID      string
	Outcome Outcome
	Reason  string
}

// Handle tracks one in-flight session. Done is closed when the session has
// terminated and its report has been published.
type Handle struct {
	SessionID string
	done      chan struct{}
}

// Done returns a channel closed when the session finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// SubmitHook observes submit dispositions (wired to Prometheus by main).
type SubmitHook func(outcome Outcome)

// Service is the business boundary for investigations: dedup by incident key,
// session lifecycle, bounded async dispatch, and exactly-once reporting.
type Service struct {
	store    Store
	engine   *Engine
	reporter *Reporter
	logger   log.Logger
	hook     SubmitHook
	sem      *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*Handle // incident key -> handle
	wg       sync.WaitGroup
}

// NewService creates an investigation service. maxConcurrent bounds the
// number of sessions running at once; a nil hook is allowed.
func NewService(store Store, engine *Engine, reporter *Reporter, maxConcurrent int64, logger log.Logger, hook SubmitHook) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		engine:   engine,
		reporter: reporter,
		logger:   logger,
		hook:     hook,
		sem:      semaphore.NewWeighted(maxConcurrent),
		inflight: make(map[string]*Handle),
	}
}

// Submit accepts an alert for investigation. At most one non-terminal session
// exists per incident key: a key with a live session yields duplicate, a key
// whose last session terminated is investigated again.
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*SubmitResult, error) {
	sr, err := s.submit(ctx, al)
	if err == nil && s.hook != nil {
		s.hook(sr.Outcome)
	}
	return sr, err
}

func (s *Service) submit(ctx context.Context, al *alert.Alert) (*SubmitResult, error) {
	s.mu.Lock()
	if h, ok := s.inflight[al.IncidentKey]; ok {
		s.mu.Unlock()
		return &SubmitResult{ID: h.SessionID, Outcome: OutcomeDuplicate, Reason: "investigation in flight"}, nil
	}

	// The in-memory table is authoritative for live sessions, but check the
	// store too so a non-terminal row from a previous process is not raced.
	if existing, ok, err := s.store.GetByIncidentKey(ctx, al.IncidentKey); err != nil {
		s.mu.Unlock()
		return nil, err
	} else if ok && !existing.State.Terminal() {
		s.mu.Unlock()
		return &SubmitResult{ID: existing.ID, Outcome: OutcomeDuplicate, Reason: "investigation in flight"}, nil
	}

	id := ulid.Make().String()
	now := time.Now()
	session := &Session{
		ID:          id,
		IncidentKey: al.IncidentKey,
		State:       StateActive,
		AlertID:     al.AlertID,
		Message:     al.Message,
		Entity:      al.Entity,
		Priority:    al.Priority,
		CreatedAt:   now,
		Deadline:    now.Add(s.engine.cfg.Deadline),
	}

	if err := s.store.Put(ctx, session); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	h := &Handle{SessionID: id, done: make(chan struct{})}
	s.inflight[al.IncidentKey] = h
	s.wg.Add(1)
	s.mu.Unlock()

	// Detach from the request context; the session outlives the webhook.
	go s.runSession(context.WithoutCancel(ctx), id, al, h)

	return &SubmitResult{ID: id, Outcome: OutcomeAccepted}, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, bool, error) {
	return s.store.Get(ctx, id)
}

// GetByIncidentKey retrieves the most recent session for an incident key.
func (s *Service) GetByIncidentKey(ctx context.Context, key string) (*Session, bool, error) {
	return s.store.GetByIncidentKey(ctx, key)
}

// Drain waits for in-flight sessions to finish, or for ctx to expire.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runSession(ctx context.Context, id string, al *alert.Alert, h *Handle) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, al.IncidentKey)
		s.mu.Unlock()
		close(h.done)
		s.wg.Done()
	}()

	L := s.logger.With("session_id", id, "incident_key", al.IncidentKey)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		L.Error(ctx, err, "failed to acquire session slot")
		return
	}
	defer s.sem.Release(1)

	al.Status = alert.StatusInvestigating
	rr := s.engine.Run(ctx, id, al, s.persistTurn(id))

	session, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		// The ticket update must not depend on the store: rebuild the
		// session from the alert snapshot and keep going.
		L.Error(ctx, err, "failed to fetch session after run, publishing from snapshot")
		session = &Session{
			ID:          id,
			IncidentKey: al.IncidentKey,
			AlertID:     al.AlertID,
			Message:     al.Message,
			Entity:      al.Entity,
			Priority:    al.Priority,
			CreatedAt:   al.ReceivedAt,
		}
	}

	session.State = rr.State
	session.FailureReason = rr.FailureReason
	session.Analysis = rr.Analysis
	session.PartialFindings = rr.PartialFindings
	session.ToolRecords = rr.Records
	session.Conversation = rr.Conversation
	session.SystemPrompt = rr.SystemPrompt
	session.Model = rr.Model
	session.CompletedAt = rr.CompletedAt
	session.Duration = rr.Duration
	session.LLMTime = rr.LLMTime
	session.ToolTime = rr.ToolTime
	session.InputTokensUsed = rr.InputTokensUsed
	session.OutputTokensUsed = rr.OutputTokensUsed
	session.ToolCalls = rr.ToolCalls
	session.ToolsUsed = rr.ToolsUsed

	// Publish exactly once per terminated session, success or failure.
	if pubErr := s.reporter.Publish(ctx, session); pubErr != nil {
		session.PublishError = pubErr.Error()
	} else {
		session.PublishedAt = time.Now()
	}

	if session.State == StateDone {
		al.Status = alert.StatusCompleted
	} else {
		al.Status = alert.StatusFailed
	}

	if err := s.store.Put(ctx, session); err != nil {
		L.Error(ctx, err, "failed to persist session result")
	}

	L.Info(ctx, "session complete",
		"state", string(session.State),
		"duration", session.Duration,
		"tool_calls", session.ToolCalls,
		"published", session.PublishError == "",
	)
}

// persistTurn returns a TurnCallback that writes each turn (and the tool
// calls of the preceding assistant turn once their results arrive) through
// the store.
func (s *Service) persistTurn(sessionID string) TurnCallback {
	var (
		mu            sync.Mutex
		lastMsgID     int
		lastMsgSeq    int
		lastAssistant *Turn
	)

	return func(ctx context.Context, seq int, turn *Turn) error {
		msgID, err := s.store.AppendTurn(ctx, sessionID, seq, turn)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()

		if turn.Role == "assistant" {
			lastMsgID = msgID
			lastMsgSeq = seq
			lastAssistant = turn
			return nil
		}

		if lastAssistant == nil {
			return nil
		}

		results := make(map[string]*ContentBlock, len(turn.Content))
		for i := range turn.Content {
			b := &turn.Content[i]
			if b.Type == "tool_result" {
				results[b.ToolUseID] = b
			}
		}
		err = s.store.AppendToolCalls(ctx, sessionID, lastMsgID, lastMsgSeq, lastAssistant, results)
		lastAssistant = nil
		return err
	}
}
