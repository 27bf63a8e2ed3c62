package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SecurityLevel classifies how dangerous a tool invocation is. HIGH tools
// require a human authorization grant before execution.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "LOW"
	SecurityMedium SecurityLevel = "MEDIUM"
	SecurityHigh   SecurityLevel = "HIGH"
)

// ServerTransport identifies how compass connects to an external MCP server.
type ServerTransport string

const (
	TransportStdio ServerTransport = "STDIO"
	TransportSSE   ServerTransport = "SSE"
	TransportHTTP  ServerTransport = "HTTP"
)

// ServerStatus tracks the lifecycle of an external server record.
type ServerStatus string

const (
	StatusRegistered   ServerStatus = "REGISTERED"
	StatusConnecting   ServerStatus = "CONNECTING"
	StatusConnected    ServerStatus = "CONNECTED"
	StatusDegraded     ServerStatus = "DEGRADED"
	StatusDisconnected ServerStatus = "DISCONNECTED"
	StatusError        ServerStatus = "ERROR"
)

// AssignmentSource records how a tool-skill assignment came to be.
type AssignmentSource string

const (
	SourceLLM       AssignmentSource = "llm"
	SourceManual    AssignmentSource = "manual"
	SourceHeuristic AssignmentSource = "heuristic"
)

// JSONMap is a JSONB column holding an arbitrary object.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// StringList is a JSONB column holding an ordered list of strings.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Tool is the canonical registry record for a tool, internal or external.
type Tool struct {
	ID             int64         `db:"id"`
	Name           string        `db:"name"`
	Description    string        `db:"description"`
	InputSchema    JSONMap       `db:"input_schema"`
	Annotations    JSONMap       `db:"annotations"`
	Category       string        `db:"category"`
	SecurityLevel  SecurityLevel `db:"security_level"`
	OrgID          *string       `db:"org_id"`
	IsGlobal       bool          `db:"is_global"`
	SourceServerID *string       `db:"source_server_id"`
	OriginalName   *string       `db:"original_name"`
	SkillIDs       StringList    `db:"skill_ids"`
	PrimarySkillID *string       `db:"primary_skill_id"`
	IsClassified   bool          `db:"is_classified"`
	IsActive       bool          `db:"is_active"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Prompt mirrors Tool minus the security level.
type Prompt struct {
	ID             int64      `db:"id"`
	Name           string     `db:"name"`
	Description    string     `db:"description"`
	Arguments      JSONMap    `db:"arguments"`
	Category       string     `db:"category"`
	OrgID          *string    `db:"org_id"`
	IsGlobal       bool       `db:"is_global"`
	SourceServerID *string    `db:"source_server_id"`
	OriginalName   *string    `db:"original_name"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Resource mirrors Prompt and additionally carries a URI (or URI template)
// plus an access set of allowed user ids.
type Resource struct {
	ID             int64      `db:"id"`
	Name           string     `db:"name"`
	Description    string     `db:"description"`
	URI            string     `db:"uri"`
	MimeType       string     `db:"mime_type"`
	OwnerUserID    *string    `db:"owner_user_id"`
	AllowedUsers   StringList `db:"allowed_users"`
	OrgID          *string    `db:"org_id"`
	IsGlobal       bool       `db:"is_global"`
	SourceServerID *string    `db:"source_server_id"`
	OriginalName   *string    `db:"original_name"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// SkillCategory is one node of the skill taxonomy.
type SkillCategory struct {
	ID           string     `db:"id"`
	Name         string     `db:"name"`
	Description  string     `db:"description"`
	Keywords     StringList `db:"keywords"`
	Examples     StringList `db:"examples"`
	ParentDomain *string    `db:"parent_domain"`
	ToolCount    int        `db:"tool_count"`
	OrgID        *string    `db:"org_id"`
	IsGlobal     bool       `db:"is_global"`
	IsActive     bool       `db:"is_active"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// ToolSkillAssignment is one row of the bipartite tool-skill graph.
type ToolSkillAssignment struct {
	ToolID     int64            `db:"tool_id"`
	SkillID    string           `db:"skill_id"`
	Confidence float64          `db:"confidence"`
	IsPrimary  bool             `db:"is_primary"`
	Source     AssignmentSource `db:"source"`
	CreatedAt  time.Time        `db:"created_at"`
}

// ExternalServer is a registered backend MCP server.
type ExternalServer struct {
	ID              string          `db:"id"`
	Name            string          `db:"name"`
	Transport       ServerTransport `db:"transport"`
	Command         *string         `db:"command"`
	Args            StringList      `db:"args"`
	Env             JSONMap         `db:"env"`
	URL             *string         `db:"url"`
	Headers         JSONMap         `db:"headers"`
	HealthCheckURL  *string         `db:"health_check_url"`
	Status          ServerStatus    `db:"status"`
	LastError       *string         `db:"last_error"`
	ToolCount       int             `db:"tool_count"`
	OrgID           *string         `db:"org_id"`
	IsGlobal        bool            `db:"is_global"`
	RegisteredAt    time.Time       `db:"registered_at"`
	ConnectedAt     *time.Time      `db:"connected_at"`
	LastHealthCheck *time.Time      `db:"last_health_check"`
}
