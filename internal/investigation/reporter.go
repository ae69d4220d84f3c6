package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/tools"
)

// PublishErrorKind classifies a failed ticket write after the gateway has
// exhausted its retries.
type PublishErrorKind string

const (
	// PublishWriteRejected means the ticket system refused the write
	// (bad credentials or a malformed note); retrying cannot help.
	PublishWriteRejected PublishErrorKind = "write-rejected"
	// PublishUnavailable means the ticket system stayed unreachable or
	// rate-limited through the whole retry budget.
	PublishUnavailable PublishErrorKind = "unavailable"
)

// PublishError is a terminally failed report publication.
type PublishError struct {
	Kind PublishErrorKind
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PublishHook observes publish outcomes (wired to Prometheus by main).
type PublishHook func(outcome string)

// Notifier mirrors session outcomes to an operator channel. Send is best
// effort; PublishFailure is the alarm path when the ticket write itself
// failed and the channel is the only place the report can land.
type Notifier interface {
	Send(ctx context.Context, s *Session) error
	PublishFailure(ctx context.Context, s *Session, pubErr error) error
}

// Reporter writes the outcome of every terminated session back to the
// ticket through the gateway's write-class update_ticket tool. Failed
// sessions get a degraded report; a failed write is never swallowed.
type Reporter struct {
	gateway  *tools.Gateway
	notifier Notifier
	logger   log.Logger
	hook     PublishHook
}

// NewReporter creates a reporter. notifier and hook may be nil.
func NewReporter(gateway *tools.Gateway, notifier Notifier, logger log.Logger, hook PublishHook) *Reporter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Reporter{
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		hook:     hook,
	}
}

// Publish formats the session outcome and writes it to the ticket. The write
// inherits the gateway's retry on transient failures; a final failure is
// returned as a *PublishError, logged, and surfaced to the operator channel.
func (r *Reporter) Publish(ctx context.Context, s *Session) error {
	L := r.logger.With("session_id", s.ID, "incident_key", s.IncidentKey)

	note := FormatNote(s)
	params, err := json.Marshal(map[string]string{
		"alert_id": s.AlertID,
		"note":     note,
	})
	if err != nil {
		return &PublishError{Kind: PublishWriteRejected, Err: fmt.Errorf("marshal note params: %w", err)}
	}

	_, err = r.gateway.Invoke(ctx, "update_ticket", params)
	if err == nil {
		if r.hook != nil {
			r.hook("published")
		}
		L.Info(ctx, "report published", "state", string(s.State), "note_bytes", len(note))
		if r.notifier != nil {
			if nErr := r.notifier.Send(ctx, s); nErr != nil {
				L.Warn(ctx, "operator summary failed", "error", nErr)
			}
		}
		return nil
	}

	pubErr := &PublishError{Kind: classifyPublishError(err), Err: err}
	if r.hook != nil {
		r.hook(string(pubErr.Kind))
	}
	L.Error(ctx, pubErr, "report publication failed")

	if r.notifier != nil {
		if nErr := r.notifier.PublishFailure(ctx, s, pubErr); nErr != nil {
			L.Error(ctx, nErr, "operator notification failed")
		}
	}
	return pubErr
}

func classifyPublishError(err error) PublishErrorKind {
	if te, ok := tools.AsToolError(err); ok {
		switch te.Kind {
		case tools.KindUnauthorized, tools.KindInvalidParameters:
			return PublishWriteRejected
		default:
			return PublishUnavailable
		}
	}
	return PublishUnavailable
}

// FormatNote renders a session as a markdown ticket note. Done sessions get
// the full analysis; timed-out and errored sessions get a degraded report
// with partial findings, the failure reason, and the tool-call audit summary.
// The session id serves as an idempotency marker.
func FormatNote(s *Session) string {
	var b strings.Builder

	switch s.State {
	case StateDone:
		fmt.Fprintf(&b, "## Inquest analysis\n\n")
		if s.Analysis != nil && s.Analysis.RootCause != "" {
			b.WriteString(s.Analysis.RootCause)
			b.WriteString("\n")
		} else {
			b.WriteString("No analysis produced.\n")
		}
		if s.Analysis != nil && len(s.Analysis.Recommendations) > 0 {
			b.WriteString("\n### Recommendations\n")
			for _, rec := range s.Analysis.Recommendations {
				fmt.Fprintf(&b, "- %s\n", rec)
			}
		}
	case StateTimedOut:
		fmt.Fprintf(&b, "## Inquest analysis (incomplete: deadline exceeded)\n\n")
		b.WriteString("The investigation hit its time budget before finishing.\n")
		writePartialFindings(&b, s)
	default:
		fmt.Fprintf(&b, "## Inquest analysis (failed: %s)\n\n", s.FailureReason)
		b.WriteString("The investigation could not be completed.\n")
		writePartialFindings(&b, s)
	}

	writeAuditSummary(&b, s)

	fmt.Fprintf(&b, "\n---\ninquest session %s", s.ID)
	return b.String()
}

func writePartialFindings(b *strings.Builder, s *Session) {
	if s.PartialFindings == "" {
		return
	}
	b.WriteString("\n### Partial findings\n")
	b.WriteString(s.PartialFindings)
	b.WriteString("\n")
}

func writeAuditSummary(b *strings.Builder, s *Session) {
	if len(s.ToolRecords) == 0 {
		return
	}
	b.WriteString("\n### Investigation steps\n")
	for _, rec := range s.ToolRecords {
		status := "ok"
		if rec.IsError {
			status = "error"
		}
		fmt.Fprintf(b, "%d. %s (%.1fs, %s)\n", rec.Seq, rec.Tool, rec.Duration, status)
	}
}
