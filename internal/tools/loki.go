package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

const (
	lokiDefaultLimit = 100
	lokiMaxLimit     = 500
	lokiMaxRange     = 6 * time.Hour
)

// LokiQuery runs a LogQL range query against Loki. Results come back
// newest-first, flattened into individual lines so the model does not have
// to reason about the stream grouping.
type LokiQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewLokiQuery creates a new Loki query tool with the given endpoint and tenant ID.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LokiQuery) Name() string { return "query_logs" }

func (l *LokiQuery) Class() Class { return ClassRead }

// Description returns an llm-friendly description of what the Loki query tool does and when to use it.
func (l *LokiQuery) Description() string {
	return `Query Loki for log entries using LogQL. Use this to search for logs from specific hosts,
services, or time ranges. Useful for investigating errors, checking what happened before or during
an incident, and finding relevant log lines that explain the root cause.

Common label selectors: {node="hostname"}, {job="systemd-journal"}, {service_name="myservice"}
You can add line filters: {node="hostname"} |= "error" or {node="hostname"} |~ "OOM|killed"
Use limit parameter to control how many log lines are returned.
Maximum query range is 6 hours per query. For longer investigations, make multiple queries with different time windows.

Prefer exact string matches (|= "exact") over regex (|~) when possible, as regex is much slower.
Avoid short common substrings in regex alternations (e.g. "log", "tmp", "clean") as they match too broadly and cause timeouts.
`
}

func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "LogQL query expression. Example: {node=\"db-1\"} |= \"error\""
            },
            "start": {
                "type": "string",
                "description": "Start time (RFC3339). Defaults to 1 hour ago."
            },
            "end": {
                "type": "string",
                "description": "End time (RFC3339). Defaults to now."
            },
            "limit": {
                "type": "integer",
                "description": "Maximum number of log lines to return. Default 100, max 500."
            }
        },
        "required": ["query"]
    }`)
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// parseLokiInput validates the raw tool params, fills the time window
// defaults (last hour), clamps the line limit, and shrinks the window to the
// maximum query range when the caller asked for more.
func parseLokiInput(name string, params json.RawMessage) (lokiInput, error) {
	var in lokiInput
	if err := json.Unmarshal(params, &in); err != nil {
		return in, NewToolError(KindInvalidParameters, name, fmt.Errorf("invalid params: %w", err))
	}
	if in.Query == "" {
		return in, NewToolError(KindInvalidParameters, name, fmt.Errorf("query is required"))
	}

	if in.Limit <= 0 {
		in.Limit = lokiDefaultLimit
	} else if in.Limit > lokiMaxLimit {
		in.Limit = lokiMaxLimit
	}

	now := time.Now().UTC()
	if in.End == "" {
		in.End = now.Format(time.RFC3339Nano)
	}
	if in.Start == "" {
		in.Start = now.Add(-1 * time.Hour).Format(time.RFC3339Nano)
	}

	start, _ := time.Parse(time.RFC3339, in.Start)
	end, _ := time.Parse(time.RFC3339, in.End)
	if end.Sub(start) > lokiMaxRange {
		in.Start = end.Add(-lokiMaxRange).Format(time.RFC3339Nano)
	}

	return in, nil
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// flattenStreams turns Loki's stream-grouped result into a flat line list,
// stopping at limit. Stream labels ride on the first line of each stream
// only, to keep repeated label sets out of the model's context.
func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)

	for _, stream := range results {
		labels := stream.Stream
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			lines = append(lines, logLine{Timestamp: entry[0], Line: entry[1], Labels: labels})
			labels = nil
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// Execute runs the range query and returns a compact JSON summary of the
// matching lines.
func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	in, err := parseLokiInput(l.Name(), params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := url.Values{}
	q.Set("query", in.Query)
	q.Set("start", in.Start)
	q.Set("end", in.End)
	q.Set("limit", strconv.Itoa(in.Limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // G704 - endpoint is set at construction from config, not from tool params.
	if err != nil {
		return nil, classifyTransport(l.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, classifyTransport(l.Name(), err)
	}
	if err := classifyStatus(l.Name(), resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		// Not the JSON shape we expect, hand the raw body to the model.
		return body, nil
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lr.Data.Result, in.Limit)

	return json.Marshal(map[string]any{
		"stream_count": len(lr.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= in.Limit,
	})
}
