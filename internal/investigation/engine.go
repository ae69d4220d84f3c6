package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/tools"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/investigation")

// EngineConfig bounds a session: wall-clock deadline, grace for an in-flight
// tool call past the deadline, tool-round and token budgets, the per-call
// response token cap, and the conversation byte ceiling.
type EngineConfig struct {
	Deadline        time.Duration
	ToolGrace       time.Duration
	MaxToolRounds   int
	MaxTokens       int
	ResponseTokens  int
	MaxContextBytes int
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Deadline:        300 * time.Second,
		ToolGrace:       10 * time.Second,
		MaxToolRounds:   15,
		MaxTokens:       100_000,
		ResponseTokens:  4096,
		MaxContextBytes: 192 << 10,
	}
}

// EngineHooks are optional observation points, wired to Prometheus by main.
// Tool-level hooks live on the Gateway.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished session for the OnComplete hook.
type CompleteEvent struct {
	State         State
	FailureReason FailureReason
	Model         string
	Duration      float64
	LLMTime       float64
	ToolTime      float64
	TokensIn      int
	TokensOut     int
	ToolCalls     int
}

// RunResult is everything a single Engine.Run produced.
type RunResult struct {
	State           State
	FailureReason   FailureReason
	Analysis        *AnalysisResult
	PartialFindings string
	Records         []ToolCallRecord
	Conversation    *Conversation
	SystemPrompt    string
	Model           string

	CompletedAt time.Time
	Duration    float64
	LLMTime     float64
	ToolTime    float64

	InputTokensUsed  int
	OutputTokensUsed int
	ToolCalls        int
	ToolsUsed        []string
	EvictedResults   int
}

// Engine runs one session: a reasoning/tool loop over the read-class tools,
// bounded by the deadline and budgets in its config. Every external call goes
// through the Gateway, which owns retries.
type Engine struct {
	provider Provider
	gateway  *tools.Gateway
	cfg      EngineConfig
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates an engine. Zero config fields fall back to the defaults.
func NewEngine(provider Provider, gateway *tools.Gateway, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	def := DefaultEngineConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.ToolGrace <= 0 {
		cfg.ToolGrace = def.ToolGrace
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ResponseTokens <= 0 {
		cfg.ResponseTokens = def.ResponseTokens
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = def.MaxContextBytes
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// Run executes the session loop for one alert and returns the outcome. The
// callback, when non-nil, is invoked after every appended turn; callback
// errors are logged and do not abort the run.
//
//nolint:gocognit,gocyclo // the state machine reads better as one loop
func (e *Engine) Run(ctx context.Context, id string, al *alert.Alert, cb TurnCallback) *RunResult {
	start := time.Now()
	deadline := start.Add(e.cfg.Deadline)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	L := e.logger.With(
		"session_id", id,
		"incident_key", al.IncidentKey,
	)

	rr := &RunResult{
		State:        StateActive,
		SystemPrompt: buildSystemPrompt(),
		Conversation: &Conversation{},
	}

	turnSeq := 0
	appendTurn := func(turn Turn) {
		rr.Conversation.Turns = append(rr.Conversation.Turns, turn)
		if cb != nil {
			if err := cb(runCtx, turnSeq, &turn); err != nil {
				L.Warn(runCtx, "turn callback failed", "seq", turnSeq)
			}
		}
		turnSeq++
	}

	seenTools := make(map[string]bool)
	markTool := func(name string) {
		if !seenTools[name] {
			seenTools[name] = true
			rr.ToolsUsed = append(rr.ToolsUsed, name)
		}
	}

	messages := []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: buildInitialPrompt(al)}},
	}}

	chatSeq := 0

loop:
	for {
		if time.Now().After(deadline) {
			L.Warn(runCtx, "session deadline reached")
			rr.State = StateTimedOut
			rr.FailureReason = ReasonTimeout
			break
		}
		if rr.ToolCalls >= e.cfg.MaxToolRounds {
			L.Warn(runCtx, "session hit tool round limit", "limit", e.cfg.MaxToolRounds)
			rr.Analysis = buildAnalysis("Investigation terminated: tool call budget exhausted.\n\n"+rr.PartialFindings, rr.Records)
			rr.State = StateDone
			break
		}
		if rr.InputTokensUsed+rr.OutputTokensUsed >= e.cfg.MaxTokens {
			L.Warn(runCtx, "session hit token limit", "limit", e.cfg.MaxTokens)
			rr.Analysis = buildAnalysis("Investigation terminated: token budget exhausted.\n\n"+rr.PartialFindings, rr.Records)
			rr.State = StateDone
			break
		}

		rr.EvictedResults += enforceContextCeiling(messages, e.cfg.MaxContextBytes)

		llmStart := time.Now()
		resp, err := e.sendTraced(runCtx, id, al.IncidentKey, chatSeq, &LLMRequest{
			MaxTokens: e.cfg.ResponseTokens,
			System:    rr.SystemPrompt,
			Messages:  messages,
			Tools:     e.gateway.Registry().ToolDefs(tools.ClassRead),
		})
		llmDur := time.Since(llmStart).Seconds()
		chatSeq++

		if err != nil {
			if runCtx.Err() != nil && !time.Now().Before(deadline) {
				L.Warn(runCtx, "session deadline reached during reasoning call")
				rr.State = StateTimedOut
				rr.FailureReason = ReasonTimeout
				break
			}
			L.Error(runCtx, err, "reasoning backend call failed")
			rr.State = StateErrored
			rr.FailureReason = ReasonBackendError
			break
		}

		rr.LLMTime += llmDur
		rr.Model = resp.Model
		rr.InputTokensUsed += resp.Usage.InputTokens
		rr.OutputTokensUsed += resp.Usage.OutputTokens
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, llmDur)
		}

		L.Info(runCtx, "llm response",
			"stop_reason", string(resp.StopReason),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})
		usage := resp.Usage
		appendTurn(Turn{
			Role:       "assistant",
			Content:    resp.Content,
			Timestamp:  time.Now(),
			Duration:   llmDur,
			StopReason: string(resp.StopReason),
			Model:      resp.Model,
			Usage:      &usage,
		})

		for _, block := range resp.Content {
			if block.Type == "text" && block.Text != "" {
				rr.PartialFindings = block.Text
			}
		}

		if resp.StopReason != StopToolUse {
			// end_turn, or an unexpected stop such as max_tokens: the last
			// text is the analysis.
			rr.Analysis = buildAnalysis(rr.PartialFindings, rr.Records)
			rr.State = StateDone
			break
		}

		rr.State = StateAwaitingTool

		var toolResults []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}

			rr.ToolCalls++
			markTool(block.Name)
			L.Info(runCtx, "executing tool",
				"tool", block.Name,
				"seq", rr.ToolCalls,
			)

			// An in-flight tool call may finish within the grace period
			// even if the session deadline fires meanwhile.
			toolCtx, toolCancel := context.WithDeadline(
				context.WithoutCancel(runCtx), deadline.Add(e.cfg.ToolGrace))
			toolStart := time.Now()
			output, invokeErr := e.gateway.Invoke(toolCtx, block.Name, block.Input)
			toolCancel()
			toolDur := time.Since(toolStart).Seconds()
			rr.ToolTime += toolDur

			rec := ToolCallRecord{
				Seq:      rr.ToolCalls,
				Tool:     block.Name,
				Input:    block.Input,
				Duration: toolDur,
				At:       toolStart,
			}

			if invokeErr != nil {
				rec.IsError = true
				rec.Error = invokeErr.Error()
				rr.Records = append(rr.Records, rec)

				if te, isToolErr := tools.AsToolError(invokeErr); isToolErr {
					// The gateway already retried transient kinds; whatever
					// reaches here is terminal for the session.
					L.Error(runCtx, invokeErr, "unrecoverable tool failure",
						"tool", block.Name,
						"kind", string(te.Kind),
					)
					rr.State = StateErrored
					rr.FailureReason = ReasonToolError
					break loop
				}

				// Unknown tool names and tool-level application errors are
				// fed back so the model can adjust.
				L.Warn(runCtx, "tool call failed, feeding error back",
					"tool", block.Name,
				)
				toolResults = append(toolResults, ContentBlock{
					Type:      "tool_result",
					ToolUseID: block.ID,
					Content:   fmt.Sprintf("tool error: %v", invokeErr),
					IsError:   true,
				})
				continue
			}

			rec.Output = output
			rr.Records = append(rr.Records, rec)
			toolResults = append(toolResults, ContentBlock{
				Type:      "tool_result",
				ToolUseID: block.ID,
				Content:   string(output),
			})
		}

		messages = append(messages, Message{Role: "user", Content: toolResults})
		appendTurn(Turn{
			Role:      "user",
			Content:   toolResults,
			Timestamp: time.Now(),
		})

		rr.State = StateActive
	}

	rr.CompletedAt = time.Now()
	rr.Duration = time.Since(start).Seconds()

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			State:         rr.State,
			FailureReason: rr.FailureReason,
			Model:         rr.Model,
			Duration:      rr.Duration,
			LLMTime:       rr.LLMTime,
			ToolTime:      rr.ToolTime,
			TokensIn:      rr.InputTokensUsed,
			TokensOut:     rr.OutputTokensUsed,
			ToolCalls:     rr.ToolCalls,
		})
	}

	L.Info(runCtx, "session finished",
		"state", string(rr.State),
		"failure_reason", string(rr.FailureReason),
		"duration", rr.Duration,
		"input_tokens", rr.InputTokensUsed,
		"output_tokens", rr.OutputTokensUsed,
		"tool_calls", rr.ToolCalls,
		"evicted_results", rr.EvictedResults,
	)

	return rr
}

// sendTraced wraps one provider call in an llm.call span.
func (e *Engine) sendTraced(ctx context.Context, id, key string, chatSeq int, req *LLMRequest) (*LLMResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("inquest.session.id", id),
		attribute.String("inquest.incident.key", key),
		attribute.Int("inquest.chat.seq", chatSeq),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	resp, err := e.provider.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
	))

	return resp, nil
}

const evictionMarker = "[tool result evicted to stay within context budget]"

// enforceContextCeiling keeps the conversation under maxBytes by replacing
// the oldest tool_result payloads with a marker. The initial alert prompt
// (messages[0]) is never touched. Returns the number of evicted results.
func enforceContextCeiling(messages []Message, maxBytes int) int {
	total := 0
	for i := range messages {
		total += messageBytes(&messages[i])
	}

	evicted := 0
	for total > maxBytes {
		found := false
		for i := 1; i < len(messages) && !found; i++ {
			for j := range messages[i].Content {
				b := &messages[i].Content[j]
				if b.Type != "tool_result" || b.Content == evictionMarker || b.Content == "" {
					continue
				}
				total -= len(b.Content) - len(evictionMarker)
				b.Content = evictionMarker
				evicted++
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return evicted
}

func messageBytes(m *Message) int {
	n := 0
	for i := range m.Content {
		b := &m.Content[i]
		n += len(b.Text) + len(b.Content) + len(b.Input)
	}
	return n
}

// buildAnalysis turns the final assistant text into a structured result:
// the text is the root cause narrative, evidence references come from the
// tool-call audit trail, and recommendations are parsed from a trailing
// fenced JSON block when the model provides one.
func buildAnalysis(text string, records []ToolCallRecord) *AnalysisResult {
	rootCause, recommendations := splitRecommendations(text)

	var evidence []EvidenceRef
	for _, rec := range records {
		if rec.IsError {
			continue
		}
		evidence = append(evidence, EvidenceRef{
			Seq:      rec.Seq,
			Tool:     rec.Tool,
			Duration: rec.Duration,
		})
	}

	return &AnalysisResult{
		RootCause:       rootCause,
		Evidence:        evidence,
		Recommendations: recommendations,
	}
}

// splitRecommendations extracts a trailing ```json fenced block of the form
// {"recommendations": [...]} or a bare string array. Anything else leaves the
// text untouched.
func splitRecommendations(text string) (string, []string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasSuffix(trimmed, "```") {
		return trimmed, nil
	}

	openIdx := strings.LastIndex(trimmed[:len(trimmed)-3], "```json")
	if openIdx < 0 {
		return trimmed, nil
	}

	body := trimmed[openIdx+len("```json") : len(trimmed)-3]

	var wrapped struct {
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Recommendations) > 0 {
		return strings.TrimSpace(trimmed[:openIdx]), wrapped.Recommendations
	}

	var bare []string
	if err := json.Unmarshal([]byte(body), &bare); err == nil && len(bare) > 0 {
		return strings.TrimSpace(trimmed[:openIdx]), bare
	}

	return trimmed, nil
}

// buildSystemPrompt constructs the system prompt: investigate with the read
// tools, then produce the analysis that gets written back to the ticket.
func buildSystemPrompt() string {
	return `You are Inquest, an incident analysis AI. You investigate infrastructure incidents and diagnose root causes.

You have access to read-only tools that query metrics, logs, dashboards, and the incident ticket.
Use them to investigate, then provide a concise analysis with:
1. What is happening
2. Likely root cause
3. Impact assessment

Finish your answer with a fenced JSON block listing concrete next steps, for example:
` + "```json" + `
{"recommendations": ["restart the stuck worker", "add an alert on queue depth"]}
` + "```" + `

Be concise and operational. Your analysis is posted back to the incident ticket for the on-call engineer.`
}

// buildInitialPrompt summarizes the inbound alert and asks for an
// investigation.
func buildInitialPrompt(al *alert.Alert) string {
	tags := strings.Join(al.Tags, ", ")
	return fmt.Sprintf(`Incident alert received: %s
Alert ID: %s
Entity: %s
Source: %s
Priority: %s
Tags: %s
Created: %s

Description:
%s

Please investigate this incident using the available tools and provide your analysis.`,
		al.Message,
		al.AlertID,
		al.Entity,
		al.Source,
		al.Priority,
		tags,
		al.CreatedAt.UTC().Format(time.RFC3339),
		al.Description,
	)
}
