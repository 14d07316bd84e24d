package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(protocol string, success bool, fields map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Well-known field keys. Log promotes these from the fields map into the
// typed Event columns so queries can filter on them.
const (
	FieldRequestID  = "request_id"
	FieldActor      = "actor"
	FieldScope      = "scope"
	FieldSourceIP   = "source_ip"
	FieldError      = "error"
	FieldKeyVersion = "key_version"
	FieldSecretID   = "secret_id"
	FieldSeries     = "series"
	FieldPosition   = "position"
	FieldReason     = "reason"
	FieldDuration   = "duration_ms"
)

// Event represents a single audit trail entry. Every protocol run records
// who asked (Actor, or "automatic" for scheduled work), what it touched
// and how it ended.
type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Protocol   string                 `json:"protocol"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Scope      string                 `json:"scope,omitempty"`
	SourceIP   string                 `json:"source_ip,omitempty"`
	KeyVersion string                 `json:"key_version,omitempty"`
	SecretID   string                 `json:"secret_id,omitempty"`
	Series     string                 `json:"series,omitempty"`
	Position   string                 `json:"position,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Duration   int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit trail entries
type QueryOptions struct {
	Since         *time.Time
	Until         *time.Time
	Protocol      string
	Actor         string
	Scope         string
	Series        string
	Success       *bool // nil = all, true = only success, false = only failures
	EmergencyOnly bool  // Filter for emergency access events
	Limit         int
	Offset        int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event from a protocol name and a loose field map,
// promoting well-known keys into typed columns.
func newEvent(protocol string, success bool, fields map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Protocol:  protocol,
		Success:   success,
	}

	if len(fields) == 0 {
		return event
	}

	detail := make(map[string]interface{})
	for key, value := range fields {
		str, isString := value.(string)
		switch {
		case key == FieldRequestID && isString:
			event.RequestID = str
		case key == FieldDuration:
			if ms, ok := value.(int64); ok {
				event.Duration = ms
			} else {
				detail[key] = value
			}
		case key == FieldActor && isString:
			event.Actor = str
		case key == FieldScope && isString:
			event.Scope = str
		case key == FieldSourceIP && isString:
			event.SourceIP = str
		case key == FieldError && isString:
			event.Error = str
		case key == FieldKeyVersion && isString:
			event.KeyVersion = str
		case key == FieldSecretID && isString:
			event.SecretID = str
		case key == FieldSeries && isString:
			event.Series = str
		case key == FieldPosition && isString:
			event.Position = str
		case key == FieldReason && isString:
			event.Reason = str
		default:
			detail[key] = value
		}
	}

	if len(detail) > 0 {
		event.Detail = detail
	}
	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
