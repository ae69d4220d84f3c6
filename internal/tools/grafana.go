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

// GrafanaSearch finds dashboards by title or tag via the Grafana search API.
type GrafanaSearch struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewGrafanaSearch creates a dashboard search tool for the given Grafana instance.
func NewGrafanaSearch(endpoint, apiKey string) *GrafanaSearch {
	return &GrafanaSearch{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *GrafanaSearch) Name() string { return "search_dashboards" }

func (g *GrafanaSearch) Class() Class { return ClassRead }

func (g *GrafanaSearch) Description() string {
	return `Search Grafana dashboards by title or tag. Use this first to discover which dashboards
exist for the affected service or host, then fetch interesting ones with get_dashboard to see
which metrics and queries the team already monitors.`
}

func (g *GrafanaSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "Search term matched against dashboard titles. Example: \"postgres\""
            },
            "tag": {
                "type": "string",
                "description": "Filter by dashboard tag. Optional."
            }
        }
    }`)
}

func (g *GrafanaSearch) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query,omitempty"`
		Tag   string `json:"tag,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, NewToolError(KindInvalidParameters, g.Name(), fmt.Errorf("invalid params: %w", err))
	}

	u, err := url.Parse(g.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/search")

	q := u.Query()
	q.Set("type", "dash-db")
	q.Set("limit", "30")
	if input.Query != "" {
		q.Set("query", input.Query)
	}
	if input.Tag != "" {
		q.Set("tag", input.Tag)
	}
	u.RawQuery = q.Encode()

	body, err := grafanaGet(ctx, g.httpClient, g.Name(), g.apiKey, u.String())
	if err != nil {
		return nil, err
	}

	// Slim the hit list down to what the model needs to pick a dashboard.
	var hits []struct {
		UID    string   `json:"uid"`
		Title  string   `json:"title"`
		Folder string   `json:"folderTitle,omitempty"`
		Tags   []string `json:"tags,omitempty"`
	}
	if err := json.Unmarshal(body, &hits); err != nil {
		return body, nil
	}

	return json.Marshal(map[string]any{
		"count":      len(hits),
		"dashboards": hits,
	})
}

// GrafanaDashboard fetches one dashboard definition by UID.
type GrafanaDashboard struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewGrafanaDashboard creates a dashboard fetch tool for the given Grafana instance.
func NewGrafanaDashboard(endpoint, apiKey string) *GrafanaDashboard {
	return &GrafanaDashboard{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *GrafanaDashboard) Name() string { return "get_dashboard" }

func (g *GrafanaDashboard) Class() Class { return ClassRead }

func (g *GrafanaDashboard) Description() string {
	return `Fetch a Grafana dashboard by UID. Returns the panel titles and the PromQL/LogQL
expressions behind them, which tells you which metrics the team considers significant for this
service. Use the expressions directly with query_metrics / query_logs.`
}

func (g *GrafanaDashboard) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "uid": {
                "type": "string",
                "description": "Dashboard UID from search_dashboards"
            }
        },
        "required": ["uid"]
    }`)
}

func (g *GrafanaDashboard) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, NewToolError(KindInvalidParameters, g.Name(), fmt.Errorf("invalid params: %w", err))
	}
	if input.UID == "" {
		return nil, NewToolError(KindInvalidParameters, g.Name(), fmt.Errorf("uid is required"))
	}

	u, err := url.Parse(g.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/dashboards/uid", input.UID)

	body, err := grafanaGet(ctx, g.httpClient, g.Name(), g.apiKey, u.String())
	if err != nil {
		return nil, err
	}

	// Extract panel titles and query expressions; the full dashboard JSON is
	// far too large for session context.
	var dash struct {
		Dashboard struct {
			Title  string `json:"title"`
			Panels []struct {
				Title   string `json:"title"`
				Type    string `json:"type"`
				Targets []struct {
					Expr string `json:"expr,omitempty"`
				} `json:"targets,omitempty"`
			} `json:"panels"`
		} `json:"dashboard"`
	}
	if err := json.Unmarshal(body, &dash); err != nil {
		return body, nil
	}

	type panel struct {
		Title string   `json:"title"`
		Type  string   `json:"type"`
		Exprs []string `json:"exprs,omitempty"`
	}
	panels := make([]panel, 0, len(dash.Dashboard.Panels))
	for _, p := range dash.Dashboard.Panels {
		pp := panel{Title: p.Title, Type: p.Type}
		for _, t := range p.Targets {
			if t.Expr != "" {
				pp.Exprs = append(pp.Exprs, t.Expr)
			}
		}
		panels = append(panels, pp)
	}

	return json.Marshal(map[string]any{
		"title":  dash.Dashboard.Title,
		"panels": panels,
	})
}

func grafanaGet(ctx context.Context, client *http.Client, tool, apiKey, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req) //nolint:gosec // G704 - endpoint is from trusted config; model input is path/query encoded.
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
	return body, nil
}
