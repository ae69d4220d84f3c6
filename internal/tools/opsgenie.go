package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// OpsGenieGetAlert fetches ticket context for an incident (read class).
type OpsGenieGetAlert struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewOpsGenieGetAlert creates a ticket fetch tool. endpoint is the OpsGenie
// API base, e.g. https://api.opsgenie.com.
func NewOpsGenieGetAlert(endpoint, apiKey string) *OpsGenieGetAlert {
	return &OpsGenieGetAlert{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *OpsGenieGetAlert) Name() string { return "get_ticket" }

func (o *OpsGenieGetAlert) Class() Class { return ClassRead }

func (o *OpsGenieGetAlert) Description() string {
	return `Fetch the OpsGenie alert (ticket) for this incident. Returns message, description,
details, tags, and current status. Use this to see context the webhook payload did not carry,
such as fields added by responders after the alert fired.`
}

func (o *OpsGenieGetAlert) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "alert_id": {
                "type": "string",
                "description": "OpsGenie alert ID"
            }
        },
        "required": ["alert_id"]
    }`)
}

func (o *OpsGenieGetAlert) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, NewToolError(KindInvalidParameters, o.Name(), fmt.Errorf("invalid params: %w", err))
	}
	if input.AlertID == "" {
		return nil, NewToolError(KindInvalidParameters, o.Name(), fmt.Errorf("alert_id is required"))
	}

	u, err := url.Parse(o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "v2/alerts", input.AlertID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "GenieKey "+o.apiKey)

	resp, err := o.httpClient.Do(req) //nolint:gosec // G704 - endpoint is from trusted config, not tool params.
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	if err := classifyStatus(o.Name(), resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}

	var og struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &og); err != nil || len(og.Data) == 0 {
		return body, nil
	}
	return og.Data, nil
}

// OpsGenieAddNote appends an analysis note to a ticket. It is the only
// write-class tool: every external mutation goes through this path.
type OpsGenieAddNote struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewOpsGenieAddNote creates the ticket update tool.
func NewOpsGenieAddNote(endpoint, apiKey string) *OpsGenieAddNote {
	return &OpsGenieAddNote{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *OpsGenieAddNote) Name() string { return "update_ticket" }

func (o *OpsGenieAddNote) Class() Class { return ClassWrite }

func (o *OpsGenieAddNote) Description() string {
	return `Append an analysis note to the OpsGenie alert. Reserved for the reporter; not offered
to the investigation model.`
}

func (o *OpsGenieAddNote) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "alert_id": {
                "type": "string",
                "description": "OpsGenie alert ID"
            },
            "note": {
                "type": "string",
                "description": "Markdown note body to append"
            }
        },
        "required": ["alert_id", "note"]
    }`)
}

func (o *OpsGenieAddNote) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		AlertID string `json:"alert_id"`
		Note    string `json:"note"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, NewToolError(KindInvalidParameters, o.Name(), fmt.Errorf("invalid params: %w", err))
	}
	if input.AlertID == "" || input.Note == "" {
		return nil, NewToolError(KindInvalidParameters, o.Name(), fmt.Errorf("alert_id and note are required"))
	}

	u, err := url.Parse(o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "v2/alerts", input.AlertID, "notes")

	payload, err := json.Marshal(map[string]string{"note": input.Note})
	if err != nil {
		return nil, fmt.Errorf("marshal note: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "GenieKey "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req) //nolint:gosec // G704 - endpoint is from trusted config, not tool params.
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, classifyTransport(o.Name(), err)
	}
	if err := classifyStatus(o.Name(), resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}

	return json.RawMessage(`{"result":"note added"}`), nil
}
