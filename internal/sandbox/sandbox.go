// Package sandbox builds bubblewrap-style isolation argument vectors for the
// two trust rings and mints/verifies HMAC-signed capability tokens. Ported
// from original_source/crates/agentd/src/sandbox.rs, replacing the
// original's non-HMAC "SHA256(key||input)" scheme with a real
// HMAC-SHA256 via crypto/hmac.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ring is a trust tier for sandboxed execution.
type Ring string

const (
	Ring1 Ring = "ring1" // approved apps: declared capabilities, proxied network
	Ring2 Ring = "ring2" // untrusted tools: max isolation, no network
)

// alwaysReadOnlyPaths mirrors the base system paths the original bound
// read-only when present on disk, in addition to /nix/store.
var alwaysReadOnlyPaths = []string{"/usr", "/bin", "/lib", "/lib64", "/etc/resolv.conf", "/etc/ssl", "/etc/hosts"}

// Config describes one command's sandbox invocation.
type Config struct {
	Ring           Ring
	Capabilities   []string
	TimeoutSecs    uint64
	MemoryLimitMB  uint64
	FSRead         []string
	FSWrite        []string
	Network        bool
}

// DefaultConfig matches the original's Default impl: Ring2, 60s timeout,
// 512MB memory limit, no network.
func DefaultConfig() Config {
	return Config{
		Ring:          Ring2,
		TimeoutSecs:   60,
		MemoryLimitMB: 512,
	}
}

// Result is the outcome of a sandboxed execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Ring     Ring
	TimedOut bool
}

const maxOutputBytes = 65536

// Engine builds bwrap argument vectors and executes/signs against them.
type Engine struct {
	hmacKey     [32]byte
	egressProxy string
}

// New builds an Engine from an explicit HMAC key (32 bytes).
func New(hmacKey [32]byte, egressProxy string) *Engine {
	return &Engine{hmacKey: hmacKey, egressProxy: egressProxy}
}

// Generate builds an Engine with a random HMAC key.
func Generate(egressProxy string) (*Engine, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate sandbox hmac key: %w", err)
	}
	return New(key, egressProxy), nil
}

// BuildArgs renders the bwrap argument vector for config and command. Ring-2
// invocations never include --share-net (spec §8 invariant).
func (e *Engine) BuildArgs(cfg Config, command string) []string {
	var args []string

	args = append(args, "--unshare-all", "--die-with-parent")
	args = append(args, "--ro-bind", "/nix/store", "/nix/store")

	for _, path := range alwaysReadOnlyPaths {
		if _, err := os.Stat(path); err == nil {
			args = append(args, "--ro-bind", path, path)
		}
	}

	args = append(args, "--proc", "/proc", "--dev", "/dev")

	switch cfg.Ring {
	case Ring1:
		args = append(args, "--tmpfs", "/tmp")
		for _, p := range cfg.FSRead {
			if p != "" {
				args = append(args, "--ro-bind", p, p)
			}
		}
		for _, p := range cfg.FSWrite {
			if p != "" {
				args = append(args, "--bind", p, p)
			}
		}
		if cfg.Network {
			args = append(args, "--share-net",
				"--setenv", "HTTPS_PROXY", e.egressProxy,
				"--setenv", "HTTP_PROXY", e.egressProxy)
		}
	default: // Ring2
		args = append(args, "--tmpfs", "/tmp")
	}

	args = append(args, "--", "/bin/sh", "-c", command)
	return args
}

// SpawnSandboxed renders the bwrap args and executes them under a wall-clock
// timeout, truncating captured output to 64KiB.
func (e *Engine) SpawnSandboxed(ctx context.Context, cfg Config, command string) (Result, error) {
	args := e.BuildArgs(cfg, command)

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bwrap", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("sandbox execution timed out after %ds", cfg.TimeoutSecs),
			Ring:     cfg.Ring,
			TimedOut: true,
		}, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   truncate(stdout.String()),
				Stderr:   truncate(stderr.String()),
				Ring:     cfg.Ring,
			}, nil
		}
		return Result{}, fmt.Errorf("failed to spawn sandbox: %w", err)
	}

	return Result{
		ExitCode: 0,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Ring:     cfg.Ring,
	}, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	n := maxOutputBytes
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// Token is a capability grant bound to a principal and permission set.
type Token struct {
	ID         string   `json:"id"`
	GrantedTo  string   `json:"granted_to"`
	Permissions []string `json:"permissions"`
	CreatedAt  string   `json:"created_at"`
	ExpiresAt  string   `json:"expires_at"`
	Signature  string   `json:"signature"`
}

func signInput(id, grantedTo string, permissions []string, expiresAt string) string {
	return fmt.Sprintf("%s|%s|%s|%s", id, grantedTo, strings.Join(permissions, ","), expiresAt)
}

func (e *Engine) hmacSign(input string) string {
	mac := hmac.New(sha256.New, e.hmacKey[:])
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintCapability issues a new capability token signed with the engine's key.
func (e *Engine) MintCapability(grantedTo string, permissions []string, ttl time.Duration) Token {
	id := uuid.NewString()
	now := time.Now().UTC()
	expires := now.Add(ttl)

	createdAt := now.Format(time.RFC3339Nano)
	expiresAt := expires.Format(time.RFC3339Nano)
	sig := e.hmacSign(signInput(id, grantedTo, permissions, expiresAt))

	return Token{
		ID: id, GrantedTo: grantedTo, Permissions: permissions,
		CreatedAt: createdAt, ExpiresAt: expiresAt, Signature: sig,
	}
}

// VerifyCapability checks expiry and recomputes the signature. Any single
// mutated field (id, granted_to, permissions, expires_at) invalidates it.
func (e *Engine) VerifyCapability(t Token) (bool, error) {
	expires, err := time.Parse(time.RFC3339Nano, t.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("invalid expires_at: %w", err)
	}
	if time.Now().UTC().After(expires) {
		return false, nil
	}
	expected := e.hmacSign(signInput(t.ID, t.GrantedTo, t.Permissions, t.ExpiresAt))
	return hmac.Equal([]byte(expected), []byte(t.Signature)), nil
}
