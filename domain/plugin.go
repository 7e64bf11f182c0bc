package domain

import "time"

// PluginCategory is the taxonomy of spec §4.4.
type PluginCategory string

const (
	CategoryIO             PluginCategory = "io"
	CategoryCommunication  PluginCategory = "communication"
	CategoryDataProcessing PluginCategory = "data_processing"
	CategoryStorage        PluginCategory = "storage"
	CategoryLogic          PluginCategory = "logic"
)

// PluginOrigin distinguishes built-in from user-registered plugins.
type PluginOrigin string

const (
	OriginSystem       PluginOrigin = "system"
	OriginOrganization PluginOrigin = "organization"
)

// FieldSchema describes one input or output field (spec §4.4).
type FieldSchema struct {
	Type        string        `json:"type"` // "string", "number", "boolean", "object", "array"
	Required    bool          `json:"required,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Schema is a field-name -> FieldSchema mapping.
type Schema map[string]FieldSchema

// PluginPolicy is the per-plugin network/timeout policy (spec §4.4).
type PluginPolicy struct {
	AllowedHosts  []string      `json:"allowed_hosts,omitempty"`
	MaxBodyBytes  int64         `json:"max_body_bytes,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	RequireHTTPS  bool          `json:"require_https,omitempty"`
}

// PluginDefinition is a registration record (spec §4.4).
type PluginDefinition struct {
	Namespace         string         `json:"namespace"`
	Description       string         `json:"description"`
	InputSchema       Schema         `json:"input_schema"`
	OutputSchema      Schema         `json:"output_schema"`
	Category          PluginCategory `json:"category"`
	RequiresCheckpoint bool          `json:"requires_checkpoint"`
	Policy            PluginPolicy   `json:"policy"`
	Origin            PluginOrigin   `json:"origin"`
	OrganizationID    string         `json:"organization_id,omitempty"`
}

// PluginExecutionRecord is the observability row the executor writes per
// invocation (SPEC_FULL's supplemented plugin_executions feature).
type PluginExecutionRecord struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	StepID      string                 `json:"step_id"`
	Namespace   string                 `json:"namespace"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
	Success     bool                   `json:"success"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	TokensUsed  int                    `json:"tokens_used,omitempty"`
	CostUSD     float64                `json:"cost_usd,omitempty"`
}
