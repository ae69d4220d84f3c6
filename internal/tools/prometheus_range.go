package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"
)

// promRangeDefaultStep is the query resolution used when the model does not
// ask for one. 300s keeps a 6 hour window at ~72 points per series.
const promRangeDefaultStep = "300"

// promRangeMaxSeries caps how many series a single range query may feed back
// into the conversation.
const promRangeMaxSeries = 20

// PrometheusQueryRange runs range PromQL queries so the model can see how a
// metric moved over time, not just its current value.
type PrometheusQueryRange struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQueryRange creates a new range-query tool with the given endpoint and tenant ID.
func NewPrometheusQueryRange(endpoint, tenantID string) *PrometheusQueryRange {
	return &PrometheusQueryRange{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PrometheusQueryRange) Name() string { return "query_metrics_range" }

func (p *PrometheusQueryRange) Class() Class { return ClassRead }

func (p *PrometheusQueryRange) Description() string {
	return `Query Prometheus/Mimir metrics over a time range using PromQL. Use this to see trends,
check how a metric changed over time, and identify when problems started. Returns a series
of timestamped values for each matching time series.`
}

func (p *PrometheusQueryRange) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression"
            },
            "start": {
                "type": "string",
                "description": "Range start time (RFC3339). Example: 2026-08-26T00:00:00Z"
            },
            "end": {
                "type": "string",
                "description": "Range end time (RFC3339). Omit for current time."
            },
            "step": {
                "type": "string",
                "description": "Query resolution step (e.g. 60s, 5m, 1h). Default 5m."
            }
        },
        "required": ["query", "start"]
    }`)
}

type promRangeInput struct {
	Query string `json:"query"`
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
	Step  string `json:"step,omitempty"`
}

func parsePromRangeInput(name string, params json.RawMessage) (promRangeInput, error) {
	var in promRangeInput
	if err := json.Unmarshal(params, &in); err != nil {
		return in, NewToolError(KindInvalidParameters, name, fmt.Errorf("invalid params: %w", err))
	}
	if in.Query == "" {
		return in, NewToolError(KindInvalidParameters, name, fmt.Errorf("query is required"))
	}
	if in.Start == "" {
		return in, NewToolError(KindInvalidParameters, name, fmt.Errorf("start is required"))
	}
	if in.End == "" {
		in.End = time.Now().UTC().Format(time.RFC3339)
	}
	if in.Step == "" {
		in.Step = promRangeDefaultStep
	}
	return in, nil
}

func (p *PrometheusQueryRange) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	in, err := parsePromRangeInput(p.Name(), params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/query_range")

	q := url.Values{}
	q.Set("query", in.Query)
	q.Set("start", in.Start)
	q.Set("end", in.End)
	q.Set("step", in.Step)
	u.RawQuery = q.Encode()

	return promDo(ctx, p.httpClient, p.Name(), p.tenantID, u.String(), promRangeMaxSeries)
}
