package investigation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/tools"
)

type mockNotifier struct {
	mu      sync.Mutex
	sends   int
	calls   int
	lastErr error
	sendErr error
	err     error
}

func (m *mockNotifier) Send(_ context.Context, _ *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	return m.sendErr
}

func (m *mockNotifier) PublishFailure(_ context.Context, _ *Session, pubErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastErr = pubErr
	return m.err
}

func doneSession() *Session {
	return &Session{
		ID:          "01J0TESTSESSION",
		IncidentKey: "INC-123",
		State:       StateDone,
		AlertID:     "alert-1",
		Message:     "disk almost full on db-1",
		Analysis: &AnalysisResult{
			RootCause:       "The data volume on db-1 filled up because WAL retention was unbounded.",
			Recommendations: []string{"expand the volume", "cap WAL retention"},
		},
		ToolRecords: []ToolCallRecord{
			{Seq: 1, Tool: "query_metrics", Duration: 0.8},
			{Seq: 2, Tool: "query_logs", Duration: 1.2, IsError: true, Error: "503"},
		},
	}
}

func newReporterFixture(hook PublishHook, notifier Notifier) (*Reporter, *ticketRecorder) {
	ticket := &ticketRecorder{}
	registry := tools.NewRegistry()
	registry.Register(ticket)
	return NewReporter(testGateway(registry), notifier, log.Nop(), hook), ticket
}

func TestPublish_Success(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
	)
	hook := func(o string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}

	reporter, ticket := newReporterFixture(hook, nil)

	if err := reporter.Publish(context.Background(), doneSession()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ticket.count() != 1 {
		t.Errorf("ticket writes = %d, want 1", ticket.count())
	}

	note := ticket.note()
	for _, want := range []string{
		"## Inquest analysis",
		"WAL retention was unbounded",
		"### Recommendations",
		"- expand the volume",
		"### Investigation steps",
		"1. query_metrics (0.8s, ok)",
		"2. query_logs (1.2s, error)",
		"inquest session 01J0TESTSESSION",
	} {
		if !strings.Contains(note, want) {
			t.Errorf("note missing %q", want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != "published" {
		t.Errorf("hook outcomes = %v, want [published]", outcomes)
	}
}

func TestPublish_Success_NotifiesOperatorChannel(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{}
	reporter, _ := newReporterFixture(nil, notifier)

	if err := reporter.Publish(context.Background(), doneSession()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.sends != 1 {
		t.Errorf("summary sends = %d, want 1", notifier.sends)
	}
	if notifier.calls != 0 {
		t.Errorf("failure calls = %d, want 0", notifier.calls)
	}
}

func TestPublish_Success_SummaryErrorIgnored(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{sendErr: errors.New("channel down")}
	reporter, _ := newReporterFixture(nil, notifier)

	if err := reporter.Publish(context.Background(), doneSession()); err != nil {
		t.Fatalf("publish should succeed despite summary failure, got: %v", err)
	}
}

func TestPublish_WriteRejected(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{}
	reporter, ticket := newReporterFixture(nil, notifier)
	ticket.err = tools.NewToolError(tools.KindUnauthorized, "update_ticket", errors.New("401"))

	err := reporter.Publish(context.Background(), doneSession())
	if err == nil {
		t.Fatal("expected an error")
	}

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("error type = %T, want *PublishError", err)
	}
	if pubErr.Kind != PublishWriteRejected {
		t.Errorf("kind = %q, want %q", pubErr.Kind, PublishWriteRejected)
	}
	if ticket.count() != 1 {
		t.Errorf("ticket writes = %d, want 1 (no retry on rejection)", ticket.count())
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.calls)
	}
	if !errors.Is(notifier.lastErr, pubErr.Err) {
		t.Error("notifier should receive the publish error")
	}
}

func TestPublish_UnavailableRetriedThenReported(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
	)
	hook := func(o string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}

	notifier := &mockNotifier{err: errors.New("slack down too")}
	reporter, ticket := newReporterFixture(hook, notifier)
	ticket.err = tools.NewToolError(tools.KindUnavailable, "update_ticket", errors.New("503"))

	err := reporter.Publish(context.Background(), doneSession())

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("error type = %T, want *PublishError", err)
	}
	if pubErr.Kind != PublishUnavailable {
		t.Errorf("kind = %q, want %q", pubErr.Kind, PublishUnavailable)
	}
	// The gateway retries transient failures before giving up.
	if ticket.count() != 5 {
		t.Errorf("ticket writes = %d, want 5 attempts", ticket.count())
	}

	// A failed operator notification is logged, not returned.
	notifier.mu.Lock()
	if notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.calls)
	}
	notifier.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != string(PublishUnavailable) {
		t.Errorf("hook outcomes = %v, want [unavailable]", outcomes)
	}
}

func TestFormatNote_TimedOut(t *testing.T) {
	t.Parallel()

	s := &Session{
		ID:              "01J0TIMEDOUT",
		State:           StateTimedOut,
		FailureReason:   ReasonTimeout,
		PartialFindings: "Disk usage was climbing 2% per minute before the deadline.",
		ToolRecords: []ToolCallRecord{
			{Seq: 1, Tool: "query_metrics", Duration: 3.4},
		},
	}

	note := FormatNote(s)
	for _, want := range []string{
		"incomplete: deadline exceeded",
		"### Partial findings",
		"climbing 2% per minute",
		"### Investigation steps",
		"inquest session 01J0TIMEDOUT",
	} {
		if !strings.Contains(note, want) {
			t.Errorf("note missing %q", want)
		}
	}
}

func TestFormatNote_Errored(t *testing.T) {
	t.Parallel()

	s := &Session{
		ID:            "01J0ERRORED",
		State:         StateErrored,
		FailureReason: ReasonToolError,
	}

	note := FormatNote(s)
	if !strings.Contains(note, "failed: unrecoverable-tool-error") {
		t.Errorf("note missing failure reason, got:\n%s", note)
	}
	if strings.Contains(note, "### Partial findings") {
		t.Error("note should omit partial findings when there are none")
	}
	if strings.Contains(note, "### Investigation steps") {
		t.Error("note should omit steps when no tools ran")
	}
}

func TestFormatNote_DoneWithoutAnalysis(t *testing.T) {
	t.Parallel()

	s := &Session{ID: "01J0EMPTY", State: StateDone}

	note := FormatNote(s)
	if !strings.Contains(note, "No analysis produced.") {
		t.Errorf("note = %q, want empty-analysis placeholder", note)
	}
}

func TestPublish_SetsNoPublishedAtFields(t *testing.T) {
	t.Parallel()

	// Publish is pure with respect to the session; timestamps are managed
	// by the caller.
	reporter, _ := newReporterFixture(nil, nil)
	s := doneSession()

	if err := reporter.Publish(context.Background(), s); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !s.PublishedAt.IsZero() {
		t.Error("Publish must not mutate the session")
	}
}
