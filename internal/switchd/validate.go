package switchd

import (
	"fmt"
	"strings"
)

var blockedInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "fish": true,
	"csh": true, "tcsh": true, "env": true, "python": true, "python3": true,
	"perl": true, "ruby": true, "node": true, "lua": true,
}

// ValidateUnitName restricts systemd unit identifiers to safe characters.
func ValidateUnitName(unit string) error {
	if unit == "" || len(unit) > 256 {
		return fmt.Errorf("unit name must be 1-256 characters")
	}
	for _, c := range unit {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '@' || c == '.' || c == '_' || c == '-') {
			return fmt.Errorf("invalid characters in unit name: %s", unit)
		}
	}
	return nil
}

// ValidateCommand rejects shell interpreters and requires an absolute path,
// closing off ambient-PATH abuse and interpreter-based sandbox escape.
func ValidateCommand(cmd string) error {
	if !strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("command must be an absolute path, got: %s", cmd)
	}

	base := cmd
	if idx := strings.LastIndex(cmd, "/"); idx >= 0 {
		base = cmd[idx+1:]
	}
	if blockedInterpreters[base] {
		return fmt.Errorf("shell interpreters are blocked for security: %s", cmd)
	}
	if strings.Contains(cmd, "..") {
		return fmt.Errorf("command path must not contain '..'")
	}
	return nil
}

// ValidateURL restricts health-check URLs to http/https schemes.
func ValidateURL(url string) error {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return nil
	}
	scheme := url
	if idx := strings.Index(url, "://"); idx >= 0 {
		scheme = url[:idx]
	}
	return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", scheme)
}

var shellMetachars = "$`|;&(){}<>!\\\n\r\x00"

// ValidateArgs rejects command arguments containing shell metacharacters,
// in case args are ever passed through a shell somewhere downstream.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if idx := strings.IndexAny(arg, shellMetachars); idx >= 0 {
			return fmt.Errorf("argument contains shell metacharacter '%c': %s", arg[idx], arg)
		}
	}
	return nil
}

// ValidateHealthCheck validates a single health-check definition by kind.
func ValidateHealthCheck(check HealthCheck) error {
	switch check.Kind {
	case CheckSystemdUnit:
		return ValidateUnitName(check.Unit)
	case CheckCommand:
		if err := ValidateCommand(check.Cmd); err != nil {
			return err
		}
		return ValidateArgs(check.Args)
	case CheckHTTPGet:
		return ValidateURL(check.URL)
	case CheckTCPPort:
		return nil
	default:
		return fmt.Errorf("unknown health check kind: %s", check.Kind)
	}
}

// WatchActionKind enumerates the escalation actions a Watcher may take.
type WatchActionKind string

const (
	ActionRestartService     WatchActionKind = "restart_service"
	ActionRollbackGeneration WatchActionKind = "rollback_generation"
	ActionNotify             WatchActionKind = "notify"
)

// WatchAction is a single escalation step taken when a watcher's health
// check fails repeatedly.
type WatchAction struct {
	Kind    WatchActionKind `json:"type"`
	Unit    string          `json:"unit,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ValidateWatchAction validates an escalation action before it is stored
// or executed.
func ValidateWatchAction(action WatchAction) error {
	switch action.Kind {
	case ActionRestartService:
		return ValidateUnitName(action.Unit)
	case ActionRollbackGeneration, ActionNotify:
		return nil
	default:
		return fmt.Errorf("unknown watch action kind: %s", action.Kind)
	}
}
