package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	PrometheusEndpoint    string
	PrometheusTenantID    string
	LokiEndpoint          string
	LokiTenantID          string
	GrafanaEndpoint       string
	GrafanaAPIKey         string
	OpsGenieEndpoint      string
	OpsGenieAPIKey        string
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	SlackWebhookURL       string

	SessionDeadlineSeconds int
	ToolGraceSeconds       int
	MaxToolRounds          int
	MaxTokens              int
	MaxContextBytes        int
	MaxConcurrentSessions  int
	ToolRetryAttempts      int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "shared token required on webhook and session API requests")
	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for metrics collection by tool use")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log collection by tool use")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.GrafanaEndpoint, "grafana-endpoint", "", "Grafana endpoint for dashboard lookup by tool use")
	fs.StringVar(&c.GrafanaAPIKey, "grafana-api-key", "", "Grafana service account token")
	fs.StringVar(&c.OpsGenieEndpoint, "opsgenie-endpoint", "https://api.opsgenie.com", "OpsGenie API endpoint for alert reads and note publishing")
	fs.StringVar(&c.OpsGenieAPIKey, "opsgenie-api-key", "", "OpsGenie API key")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.IntVar(&c.SessionDeadlineSeconds, "session-deadline-seconds", 300, "wall-clock budget per investigation session (30..3600)")
	fs.IntVar(&c.ToolGraceSeconds, "tool-grace-seconds", 10, "grace given to an in-flight tool call past the session deadline (1..60)")
	fs.IntVar(&c.MaxToolRounds, "max-tool-rounds", 15, "tool call budget per session (1..100)")
	fs.IntVar(&c.MaxTokens, "max-tokens", 100000, "cumulative token budget per session (1000..2000000)")
	fs.IntVar(&c.MaxContextBytes, "max-context-bytes", 196608, "context size ceiling before old tool results are evicted (4096..4194304)")
	fs.IntVar(&c.MaxConcurrentSessions, "max-concurrent-sessions", 4, "sessions allowed to run at once (1..64)")
	fs.IntVar(&c.ToolRetryAttempts, "tool-retry-attempts", 5, "attempts per tool call before a transient failure is terminal (1..10)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The API token gates the webhook endpoint
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Prometheus endpoint is required for metrics collection by tools
	if c.PrometheusEndpoint == "" {
		errs = append(errs, errors.New("PROMETHEUS_ENDPOINT is required"))
	}

	// OpsGenie is both the alert source and the report destination
	if c.OpsGenieEndpoint == "" {
		errs = append(errs, errors.New("OPSGENIE_ENDPOINT is required"))
	}
	if c.OpsGenieAPIKey == "" {
		errs = append(errs, errors.New("OPSGENIE_API_KEY is required"))
	}

	// Grafana is optional, but an endpoint without a key is unusable
	if c.GrafanaEndpoint != "" && c.GrafanaAPIKey == "" {
		errs = append(errs, errors.New("GRAFANA_API_KEY is required when GRAFANA_ENDPOINT is set"))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	// Session budgets
	if c.SessionDeadlineSeconds < 30 || c.SessionDeadlineSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SESSION_DEADLINE_SECONDS %d (must be 30..3600)", c.SessionDeadlineSeconds))
	}
	if c.ToolGraceSeconds <= 0 || c.ToolGraceSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid TOOL_GRACE_SECONDS %d (must be 1..60)", c.ToolGraceSeconds))
	}
	if c.MaxToolRounds <= 0 || c.MaxToolRounds > 100 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOOL_ROUNDS %d (must be 1..100)", c.MaxToolRounds))
	}
	if c.MaxTokens < 1000 || c.MaxTokens > 2000000 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOKENS %d (must be 1000..2000000)", c.MaxTokens))
	}
	if c.MaxContextBytes < 4096 || c.MaxContextBytes > 4194304 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONTEXT_BYTES %d (must be 4096..4194304)", c.MaxContextBytes))
	}
	if c.MaxConcurrentSessions <= 0 || c.MaxConcurrentSessions > 64 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_SESSIONS %d (must be 1..64)", c.MaxConcurrentSessions))
	}
	if c.ToolRetryAttempts <= 0 || c.ToolRetryAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid TOOL_RETRY_ATTEMPTS %d (must be 1..10)", c.ToolRetryAttempts))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
