// Package pgstore provides a PostgreSQL implementation of investigation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/investigation/pgstore")

//go:embed schema.sql
var schema string

// Store persists sessions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const sessionColumns = `id, incident_key, state, failure_reason, alert_id, message, entity, priority,
	analysis, partial_findings, tool_records, tools_used, system_prompt, model,
	created_at, deadline, completed_at, duration_s, llm_time_s, tool_time_s,
	input_tokens, output_tokens, tool_calls, published_at, publish_error`

// Get retrieves a session by ID.
//
//nolint:dupl // similar structure to GetByIncidentKey is intentional
func (s *Store) Get(ctx context.Context, id string) (*investigation.Session, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := s.scanSessionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if sess == nil {
		return nil, false, nil
	}

	if err := s.loadConversation(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	return sess, true, nil
}

// GetByIncidentKey retrieves the most recent session for an incident key.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByIncidentKey(ctx context.Context, key string) (*investigation.Session, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByIncidentKey", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE incident_key = $1 ORDER BY created_at DESC LIMIT 1`
	sess, err := s.scanSessionRow(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if sess == nil {
		return nil, false, nil
	}

	if err := s.loadConversation(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	return sess, true, nil
}

// Put inserts or updates a session (upsert on sessions only).
func (s *Store) Put(ctx context.Context, sess *investigation.Session) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := s.upsertSession(ctx, tx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendTurn inserts a single message row and returns its database ID.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, seq int, turn *investigation.Turn) (int, error) {
	ctx, span := tracer.Start(ctx, "pgstore.AppendTurn", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	msgID, err := s.insertMessage(ctx, tx, sessionID, seq, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("commit: %w", err)
	}
	return msgID, nil
}

// AppendToolCalls inserts tool_call rows for an assistant turn, matched
// against the tool results from the following user turn.
func (s *Store) AppendToolCalls(ctx context.Context, sessionID string, messageID, messageSeq int, turn *investigation.Turn, toolResults map[string]*investigation.ContentBlock) error {
	ctx, span := tracer.Start(ctx, "pgstore.AppendToolCalls", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := s.insertToolCalls(ctx, tx, sessionID, messageID, messageSeq, turn, toolResults); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) upsertSession(ctx context.Context, tx pgx.Tx, sess *investigation.Session) error {
	var analysisJSON []byte
	if sess.Analysis != nil {
		var err error
		analysisJSON, err = json.Marshal(sess.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
	}

	var recordsJSON []byte
	if sess.ToolRecords != nil {
		var err error
		recordsJSON, err = json.Marshal(sess.ToolRecords)
		if err != nil {
			return fmt.Errorf("marshal tool records: %w", err)
		}
	}

	toolsUsedJSON, err := json.Marshal(sess.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools used: %w", err)
	}

	query := `INSERT INTO sessions (
		id, incident_key, state, failure_reason, alert_id, message, entity, priority,
		analysis, partial_findings, tool_records, tools_used, system_prompt, model,
		created_at, deadline, completed_at, duration_s, llm_time_s, tool_time_s,
		input_tokens, output_tokens, tool_calls, published_at, publish_error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	ON CONFLICT (id) DO UPDATE SET
		incident_key     = EXCLUDED.incident_key,
		state            = EXCLUDED.state,
		failure_reason   = EXCLUDED.failure_reason,
		alert_id         = EXCLUDED.alert_id,
		message          = EXCLUDED.message,
		entity           = EXCLUDED.entity,
		priority         = EXCLUDED.priority,
		analysis         = COALESCE(EXCLUDED.analysis, sessions.analysis),
		partial_findings = EXCLUDED.partial_findings,
		tool_records     = COALESCE(EXCLUDED.tool_records, sessions.tool_records),
		tools_used       = EXCLUDED.tools_used,
		system_prompt    = EXCLUDED.system_prompt,
		model            = EXCLUDED.model,
		deadline         = EXCLUDED.deadline,
		completed_at     = EXCLUDED.completed_at,
		duration_s       = EXCLUDED.duration_s,
		llm_time_s       = EXCLUDED.llm_time_s,
		tool_time_s      = EXCLUDED.tool_time_s,
		input_tokens     = EXCLUDED.input_tokens,
		output_tokens    = EXCLUDED.output_tokens,
		tool_calls       = EXCLUDED.tool_calls,
		published_at     = EXCLUDED.published_at,
		publish_error    = EXCLUDED.publish_error`

	_, err = tx.Exec(ctx, query,
		sess.ID, sess.IncidentKey, string(sess.State), string(sess.FailureReason),
		sess.AlertID, sess.Message, sess.Entity, sess.Priority,
		analysisJSON, sess.PartialFindings, recordsJSON, toolsUsedJSON,
		sess.SystemPrompt, sess.Model,
		sess.CreatedAt, nullableTime(sess.Deadline), nullableTime(sess.CompletedAt),
		sess.Duration, sess.LLMTime, sess.ToolTime,
		sess.InputTokensUsed, sess.OutputTokensUsed, sess.ToolCalls,
		nullableTime(sess.PublishedAt), sess.PublishError,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) insertMessage(ctx context.Context, tx pgx.Tx, sessionID string, seq int, turn *investigation.Turn) (int, error) {
	contentJSON, err := json.Marshal(turn.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal content seq %d: %w", seq, err)
	}

	var tokensIn, tokensOut *int
	if turn.Usage != nil {
		tokensIn = &turn.Usage.InputTokens
		tokensOut = &turn.Usage.OutputTokens
	}

	var messageID int
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (session_id, seq, role, content, tokens_in, tokens_out, created_at, duration_s, stop_reason, model)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		sessionID, seq, turn.Role, contentJSON, tokensIn, tokensOut, turn.Timestamp,
		turn.Duration, turn.StopReason, turn.Model,
	).Scan(&messageID)
	if err != nil {
		return 0, fmt.Errorf("insert message seq %d: %w", seq, err)
	}
	return messageID, nil
}

func (s *Store) insertToolCalls(ctx context.Context, tx pgx.Tx, sessionID string, messageID, seq int, turn *investigation.Turn, toolResults map[string]*investigation.ContentBlock) error {
	for i := range turn.Content {
		block := &turn.Content[i]
		if block.Type != "tool_use" {
			continue
		}

		inputBytes := len(block.Input)
		var output json.RawMessage
		var outputBytes int
		var isError bool

		if result, ok := toolResults[block.ID]; ok {
			output, _ = json.Marshal(result.Content)
			outputBytes = len(output)
			isError = result.IsError
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO tool_calls (session_id, message_id, message_seq, tool_name, input, output, input_bytes, output_bytes, is_error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sessionID, messageID, seq, block.Name, block.Input, output, inputBytes, outputBytes, isError, turn.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert tool_call %s seq %d: %w", block.Name, seq, err)
		}
	}
	return nil
}

// loadConversation reads messages and reconstructs the Conversation on a Session.
func (s *Store) loadConversation(ctx context.Context, sess *investigation.Session) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, role, content, tokens_in, tokens_out, created_at, duration_s, stop_reason, model
		 FROM messages WHERE session_id = $1 ORDER BY seq`,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var turns []investigation.Turn
	for rows.Next() {
		var (
			seq         int
			role        string
			contentJSON []byte
			tokensIn    *int
			tokensOut   *int
			createdAt   time.Time
			durationS   float64
			stopReason  string
			model       string
		)
		if err := rows.Scan(&seq, &role, &contentJSON, &tokensIn, &tokensOut, &createdAt, &durationS, &stopReason, &model); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}

		var content []investigation.ContentBlock
		if err := json.Unmarshal(contentJSON, &content); err != nil {
			return fmt.Errorf("unmarshal content seq %d: %w", seq, err)
		}

		turn := investigation.Turn{
			Role:       role,
			Content:    content,
			Timestamp:  createdAt,
			StopReason: stopReason,
			Duration:   durationS,
			Model:      model,
		}
		if tokensIn != nil || tokensOut != nil {
			turn.Usage = &investigation.Usage{}
			if tokensIn != nil {
				turn.Usage.InputTokens = *tokensIn
			}
			if tokensOut != nil {
				turn.Usage.OutputTokens = *tokensOut
			}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}

	if len(turns) > 0 {
		sess.Conversation = &investigation.Conversation{Turns: turns}
	}
	return nil
}

// scanSessionRow scans a single row into a Session (without conversation).
// Returns (nil, nil) when no row is found.
func (s *Store) scanSessionRow(row pgx.Row) (*investigation.Session, error) {
	var (
		sess          investigation.Session
		state         string
		failureReason string
		analysisJSON  []byte
		recordsJSON   []byte
		toolsUsedJSON []byte
		deadline      *time.Time
		completedAt   *time.Time
		publishedAt   *time.Time
	)

	err := row.Scan(
		&sess.ID, &sess.IncidentKey, &state, &failureReason,
		&sess.AlertID, &sess.Message, &sess.Entity, &sess.Priority,
		&analysisJSON, &sess.PartialFindings, &recordsJSON, &toolsUsedJSON,
		&sess.SystemPrompt, &sess.Model,
		&sess.CreatedAt, &deadline, &completedAt,
		&sess.Duration, &sess.LLMTime, &sess.ToolTime,
		&sess.InputTokensUsed, &sess.OutputTokensUsed, &sess.ToolCalls,
		&publishedAt, &sess.PublishError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	sess.State = investigation.State(state)
	sess.FailureReason = investigation.FailureReason(failureReason)

	if deadline != nil {
		sess.Deadline = *deadline
	}
	if completedAt != nil {
		sess.CompletedAt = *completedAt
	}
	if publishedAt != nil {
		sess.PublishedAt = *publishedAt
	}

	if analysisJSON != nil {
		sess.Analysis = &investigation.AnalysisResult{}
		if err := json.Unmarshal(analysisJSON, sess.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis: %w", err)
		}
	}
	if recordsJSON != nil {
		if err := json.Unmarshal(recordsJSON, &sess.ToolRecords); err != nil {
			return nil, fmt.Errorf("unmarshal tool records: %w", err)
		}
	}
	if toolsUsedJSON != nil {
		if err := json.Unmarshal(toolsUsedJSON, &sess.ToolsUsed); err != nil {
			return nil, fmt.Errorf("unmarshal tools used: %w", err)
		}
	}

	return &sess, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
