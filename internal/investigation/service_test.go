package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/tools"
)

// mockStore is an in-memory Store with injectable failures.
type mockStore struct {
	mu        sync.Mutex
	byID      map[string]*Session
	byKey     map[string]string
	turns     []appendedTurn
	toolCalls int
	getErr    error
	getKeyErr error
	putErr    error
}

type appendedTurn struct {
	sessionID string
	seq       int
	role      string
}

func newMockStore() *mockStore {
	return &mockStore{
		byID:  make(map[string]*Session),
		byKey: make(map[string]string),
	}
}

func (m *mockStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	s, ok := m.byID[id]
	return s, ok, nil
}

func (m *mockStore) GetByIncidentKey(_ context.Context, key string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getKeyErr != nil {
		return nil, false, m.getKeyErr
	}
	id, ok := m.byKey[key]
	if !ok {
		return nil, false, nil
	}
	return m.byID[id], true, nil
}

func (m *mockStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := *s
	m.byID[s.ID] = &cp
	m.byKey[s.IncidentKey] = s.ID
	return nil
}

func (m *mockStore) AppendTurn(_ context.Context, sessionID string, seq int, turn *Turn) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, appendedTurn{sessionID: sessionID, seq: seq, role: turn.Role})
	return len(m.turns), nil
}

func (m *mockStore) AppendToolCalls(_ context.Context, _ string, _, _ int, _ *Turn, _ map[string]*ContentBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls++
	return nil
}

func (m *mockStore) session(t *testing.T, id string) *Session {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		t.Fatalf("session %s not in store", id)
	}
	return s
}

// gatedProvider blocks every Send until release is closed, then ends the
// turn.
type gatedProvider struct {
	release chan struct{}
}

func (g *gatedProvider) Send(ctx context.Context, _ *LLMRequest) (*LLMResponse, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return endResponse("analysis text"), nil
}

// ticketRecorder counts update_ticket writes and captures the last note.
type ticketRecorder struct {
	mu       sync.Mutex
	writes   int
	lastNote string
	err      error
}

func (r *ticketRecorder) Name() string                { return "update_ticket" }
func (r *ticketRecorder) Description() string         { return "mock ticket writer" }
func (r *ticketRecorder) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (r *ticketRecorder) Class() tools.Class          { return tools.ClassWrite }

func (r *ticketRecorder) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	var p struct {
		Note string `json:"note"`
	}
	_ = json.Unmarshal(params, &p)
	r.lastNote = p.Note
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(`{"result":"note added"}`), nil
}

func (r *ticketRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *ticketRecorder) note() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastNote
}

type serviceFixture struct {
	svc    *Service
	store  *mockStore
	ticket *ticketRecorder
}

func newServiceFixture(t *testing.T, provider Provider, hook SubmitHook) *serviceFixture {
	t.Helper()

	store := newMockStore()
	ticket := &ticketRecorder{}

	registry := tools.NewRegistry()
	registry.Register(ticket)
	gateway := testGateway(registry)

	engine := NewEngine(provider, gateway, EngineConfig{Deadline: 5 * time.Second}, log.Nop(), EngineHooks{})
	reporter := NewReporter(gateway, nil, log.Nop(), nil)
	svc := NewService(store, engine, reporter, 2, log.Nop(), hook)

	return &serviceFixture{svc: svc, store: store, ticket: ticket}
}

func drain(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSubmit_AcceptedAndTerminated(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{
		responses: []*LLMResponse{endResponse("db-1 ran out of disk")},
	}, nil)

	al := testAlert()
	sr, err := f.svc.Submit(context.Background(), al)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sr.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %q, want %q", sr.Outcome, OutcomeAccepted)
	}
	if sr.ID == "" {
		t.Fatal("expected a session ID")
	}

	drain(t, f.svc)

	s := f.store.session(t, sr.ID)
	if s.State != StateDone {
		t.Errorf("state = %q, want %q", s.State, StateDone)
	}
	if s.Analysis == nil || s.Analysis.RootCause != "db-1 ran out of disk" {
		t.Errorf("analysis = %+v", s.Analysis)
	}
	if s.PublishedAt.IsZero() {
		t.Error("expected PublishedAt to be set")
	}
	if s.PublishError != "" {
		t.Errorf("publish error = %q, want empty", s.PublishError)
	}
	if f.ticket.count() != 1 {
		t.Errorf("ticket writes = %d, want 1", f.ticket.count())
	}
	if al.Status != alert.StatusCompleted {
		t.Errorf("alert status = %q, want %q", al.Status, alert.StatusCompleted)
	}
}

func TestSubmit_DuplicateWhileInFlight(t *testing.T) {
	t.Parallel()

	provider := &gatedProvider{release: make(chan struct{})}
	f := newServiceFixture(t, provider, nil)

	first, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("first outcome = %q, want %q", first.Outcome, OutcomeAccepted)
	}

	second, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("second outcome = %q, want %q", second.Outcome, OutcomeDuplicate)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate ID = %q, want the live session %q", second.ID, first.ID)
	}

	close(provider.release)
	drain(t, f.svc)

	// The first session terminated, so the key can be investigated again.
	third, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if third.Outcome != OutcomeAccepted {
		t.Errorf("third outcome = %q, want %q", third.Outcome, OutcomeAccepted)
	}
	if third.ID == first.ID {
		t.Error("expected a fresh session ID after termination")
	}

	drain(t, f.svc)

	if f.ticket.count() != 2 {
		t.Errorf("ticket writes = %d, want exactly one per terminated session", f.ticket.count())
	}
}

func TestSubmit_DuplicateFromStoredNonTerminalSession(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{}, nil)

	// A non-terminal row from a previous process.
	stale := &Session{ID: "stale-id", IncidentKey: "INC-123", State: StateAwaitingTool}
	if err := f.store.Put(context.Background(), stale); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sr.Outcome != OutcomeDuplicate {
		t.Errorf("outcome = %q, want %q", sr.Outcome, OutcomeDuplicate)
	}
	if sr.ID != "stale-id" {
		t.Errorf("ID = %q, want stale-id", sr.ID)
	}
}

func TestSubmit_StoreError(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{}, nil)
	f.store.getKeyErr = errors.New("connection refused")

	if _, err := f.svc.Submit(context.Background(), testAlert()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSubmit_HookObservesOutcome(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	hook := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}

	provider := &gatedProvider{release: make(chan struct{})}
	f := newServiceFixture(t, provider, hook)

	if _, err := f.svc.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	close(provider.release)
	drain(t, f.svc)

	mu.Lock()
	defer mu.Unlock()
	want := []Outcome{OutcomeAccepted, OutcomeDuplicate}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcomes[%d] = %q, want %q", i, outcomes[i], want[i])
		}
	}
}

func TestRunSession_PublishFailureRecorded(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{
		responses: []*LLMResponse{endResponse("done")},
	}, nil)
	f.ticket.err = tools.NewToolError(tools.KindUnauthorized, "update_ticket", errors.New("401"))

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, f.svc)

	s := f.store.session(t, sr.ID)
	if s.State != StateDone {
		t.Errorf("state = %q, want %q", s.State, StateDone)
	}
	if !s.PublishedAt.IsZero() {
		t.Error("PublishedAt should be zero when publish failed")
	}
	if s.PublishError == "" {
		t.Error("expected PublishError to be recorded")
	}
}

func TestRunSession_FailedSessionStillPublished(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{
		errs: []error{errors.New("backend down")},
	}, nil)

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, f.svc)

	s := f.store.session(t, sr.ID)
	if s.State != StateErrored {
		t.Errorf("state = %q, want %q", s.State, StateErrored)
	}
	if s.FailureReason != ReasonBackendError {
		t.Errorf("failure reason = %q, want %q", s.FailureReason, ReasonBackendError)
	}
	if f.ticket.count() != 1 {
		t.Errorf("ticket writes = %d, want a degraded report", f.ticket.count())
	}
}

func TestRunSession_PublishesWhenStoreReadFails(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{
		responses: []*LLMResponse{endResponse("db-1 ran out of disk")},
	}, nil)
	f.store.getErr = errors.New("connection refused")

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, f.svc)

	if f.ticket.count() != 1 {
		t.Fatalf("ticket writes = %d, want 1", f.ticket.count())
	}

	// The session was rebuilt from the alert snapshot and persisted.
	s := f.store.session(t, sr.ID)
	if s.State != StateDone {
		t.Errorf("state = %q, want %q", s.State, StateDone)
	}
	if s.IncidentKey != "INC-123" || s.AlertID != "alert-1" {
		t.Errorf("snapshot fields = %q/%q, want INC-123/alert-1", s.IncidentKey, s.AlertID)
	}
	if s.PublishedAt.IsZero() {
		t.Error("expected PublishedAt to be set")
	}
}

func TestRunSession_PersistsTurnsAndToolCalls(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		responses: []*LLMResponse{
			toolUseResponse("c-1", "query_metrics", `{"q":"up"}`),
			endResponse("done"),
		},
	}
	f := newServiceFixture(t, provider, nil)
	f.svc.engine.gateway.Registry().Register(&mockTool{
		name:   "query_metrics",
		output: json.RawMessage(`{"v":"1"}`),
	})

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	drain(t, f.svc)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	wantRoles := []string{"assistant", "user", "assistant"}
	if len(f.store.turns) != len(wantRoles) {
		t.Fatalf("persisted turns = %d, want %d", len(f.store.turns), len(wantRoles))
	}
	for i, want := range wantRoles {
		got := f.store.turns[i]
		if got.role != want {
			t.Errorf("turns[%d].role = %q, want %q", i, got.role, want)
		}
		if got.seq != i {
			t.Errorf("turns[%d].seq = %d, want %d", i, got.seq, i)
		}
		if got.sessionID != sr.ID {
			t.Errorf("turns[%d].sessionID = %q, want %q", i, got.sessionID, sr.ID)
		}
	}
	if f.store.toolCalls != 1 {
		t.Errorf("persisted tool call batches = %d, want 1", f.store.toolCalls)
	}
}

func TestService_GetPassthrough(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, &mockProvider{
		responses: []*LLMResponse{endResponse("done")},
	}, nil)

	sr, err := f.svc.Submit(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, f.svc)

	s, ok, err := f.svc.Get(context.Background(), sr.ID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if s.ID != sr.ID {
		t.Errorf("ID = %q, want %q", s.ID, sr.ID)
	}

	s, ok, err = f.svc.GetByIncidentKey(context.Background(), "INC-123")
	if err != nil || !ok {
		t.Fatalf("GetByIncidentKey = %v, %v", ok, err)
	}
	if s.ID != sr.ID {
		t.Errorf("ID by key = %q, want %q", s.ID, sr.ID)
	}
}

func TestDrain_ContextExpired(t *testing.T) {
	t.Parallel()

	provider := &gatedProvider{release: make(chan struct{})}
	f := newServiceFixture(t, provider, nil)

	if _, err := f.svc.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.svc.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("drain err = %v, want deadline exceeded", err)
	}

	close(provider.release)
	drain(t, f.svc)
}
