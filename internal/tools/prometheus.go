package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

const successStatus = "success"

// PrometheusQuery runs instant PromQL queries against Prometheus/Mimir.
type PrometheusQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQuery creates a new instant-query tool with the given endpoint and tenant ID.
func NewPrometheusQuery(endpoint, tenantID string) *PrometheusQuery {
	return &PrometheusQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PrometheusQuery) Name() string { return "query_metrics" }

func (p *PrometheusQuery) Class() Class { return ClassRead }

func (p *PrometheusQuery) Description() string {
	return `Query Prometheus/Mimir metrics using PromQL. Use this to investigate metric values,
check current and historical resource usage, labels that carry metadata, and correlate incident conditions with raw data.
Returns instant query results with labels and values.`
}

func (p *PrometheusQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression"
            },
            "time": {
                "type": "string",
                "description": "Evaluation timestamp (RFC3339). Omit for current time."
            }
        },
        "required": ["query"]
    }`)
}

func (p *PrometheusQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Time  string `json:"time,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, NewToolError(KindInvalidParameters, p.Name(), fmt.Errorf("invalid params: %w", err))
	}
	if input.Query == "" {
		return nil, NewToolError(KindInvalidParameters, p.Name(), fmt.Errorf("query is required"))
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/query")

	q := u.Query()
	q.Set("query", input.Query)
	if input.Time != "" {
		q.Set("time", input.Time)
	}
	u.RawQuery = q.Encode()

	return p.doQuery(ctx, u.String(), 50)
}

func (p *PrometheusQuery) doQuery(ctx context.Context, rawURL string, maxResults int) (json.RawMessage, error) {
	return promDo(ctx, p.httpClient, p.Name(), p.tenantID, rawURL, maxResults)
}

// promDo issues a Prometheus API GET and slims the response down so we don't
// waste session context on full label sets.
func promDo(ctx context.Context, client *http.Client, tool, tenantID, rawURL string, maxResults int) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if tenantID != "" {
		req.Header.Set("X-Scope-OrgID", tenantID)
	}

	resp, err := client.Do(req) //nolint:gosec // G704 - endpoint is from trusted config; model-controlled inputs are query-string encoded via url.Values.Set().
	if err != nil {
		return nil, classifyTransport(tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, classifyTransport(tool, err)
	}

	if err := classifyStatus(tool, resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string            `json:"resultType"`
			Result     []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil // return raw if we can't parse
	}
	if promResp.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := false
	if len(results) > maxResults {
		results = results[:maxResults]
		truncated = true
	}

	output := map[string]any{
		"result_type":  promResp.Data.ResultType,
		"result_count": len(promResp.Data.Result),
		"results":      results,
		"truncated":    truncated,
	}
	return json.Marshal(output)
}
