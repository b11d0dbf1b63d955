// Package switchd implements the SafeSwitch deploy-transaction engine: a
// per-node probation state machine that health-gates a system generation
// change into either a commit or an automatic rollback. Adapted from
// original_source/crates/osmoda-watch/src/switch.rs into a gorilla/mux
// daemon shape.
package switchd

import "fmt"

// HealthCheckKind enumerates the supported health-check mechanisms.
type HealthCheckKind string

const (
	CheckSystemdUnit HealthCheckKind = "systemd_unit"
	CheckTCPPort     HealthCheckKind = "tcp_port"
	CheckHTTPGet     HealthCheckKind = "http_get"
	CheckCommand     HealthCheckKind = "command"
)

// HealthCheck is a tagged union over the four supported check kinds, kept
// flat (rather than as a Go interface) so it serializes the same way
// the original wire structs do.
type HealthCheck struct {
	Kind HealthCheckKind `json:"type"`

	Unit string `json:"unit,omitempty"`

	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`

	URL          string `json:"url,omitempty"`
	ExpectStatus uint16 `json:"expect_status,omitempty"`

	Cmd  string   `json:"cmd,omitempty"`
	Args []string `json:"args,omitempty"`
}

func (h HealthCheck) String() string {
	switch h.Kind {
	case CheckSystemdUnit:
		return fmt.Sprintf("systemd_unit(%s)", h.Unit)
	case CheckTCPPort:
		return fmt.Sprintf("tcp_port(%s:%d)", h.Host, h.Port)
	case CheckHTTPGet:
		return fmt.Sprintf("http_get(%s)", h.URL)
	case CheckCommand:
		return fmt.Sprintf("command(%s)", h.Cmd)
	default:
		return fmt.Sprintf("unknown_check(%s)", h.Kind)
	}
}

// SwitchState is the SafeSwitch probation state machine's current state.
type SwitchState string

const (
	StateProbation  SwitchState = "probation"
	StateCommitted  SwitchState = "committed"
	StateRolledBack SwitchState = "rolled_back"
)

// Session is a single-node SafeSwitch deploy transaction: a TTL-boxed
// probation window over a generation change, gated by health checks.
type Session struct {
	ID                 string        `json:"id"`
	Plan               string        `json:"plan"`
	TTLSecs            uint64        `json:"ttl_secs"`
	HealthChecks       []HealthCheck `json:"health_checks"`
	StartedAt          string        `json:"started_at"`
	PreviousGeneration string        `json:"previous_generation"`
	State              SwitchState   `json:"status"`
	Reason             string        `json:"reason,omitempty"`
	CommittedAt        string        `json:"committed_at,omitempty"`
	RolledBackAt       string        `json:"rolled_back_at,omitempty"`
}

// IsActive reports whether the session is still on probation.
func (s *Session) IsActive() bool {
	return s.State == StateProbation
}
