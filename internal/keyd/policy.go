// Package keyd implements the key backend: policy-gated signing for
// Ethereum and Solana transactions, encrypted-at-rest key storage, and a
// decision receipt trail. Ported from
// original_source/crates/osmoda-keyd/src/{policy,signer,tx_eth,tx_sol}.rs.
package keyd

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// decimals is the fixed-point scale, matching wei precision.
const decimals = 18

var pow10_18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)

// parseFixedAmount parses a decimal string like "1.5" into an 18-decimal
// fixed-point big.Int (same representation as wei). Go has no native u128;
// math/big.Int models the original's checked u128 arithmetic without
// overflow, which is a strict improvement (see DESIGN.md).
func parseFixedAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	integerPart, decimalPart := s, ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		integerPart, decimalPart = s[:dot], s[dot+1:]
	}

	integer, ok := new(big.Int).SetString(integerPart, 10)
	if !ok {
		return nil, false
	}
	if len(decimalPart) > decimals {
		return nil, false
	}

	decimal := big.NewInt(0)
	if decimalPart != "" {
		decimal, ok = new(big.Int).SetString(decimalPart, 10)
		if !ok {
			return nil, false
		}
	}

	decimalScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-len(decimalPart))), nil)
	result := new(big.Int).Mul(integer, pow10_18)
	result.Add(result, new(big.Int).Mul(decimal, decimalScale))
	return result, true
}

// formatFixedAmount renders a fixed-point value back to a trimmed decimal
// string, matching the original's Display impl.
func formatFixedAmount(v *big.Int) string {
	integer := new(big.Int).Div(v, pow10_18)
	decimal := new(big.Int).Mod(v, pow10_18)
	if decimal.Sign() == 0 {
		return integer.String() + ".0"
	}
	decStr := fmt.Sprintf("%018s", decimal.String())
	decStr = strings.TrimRight(decStr, "0")
	return integer.String() + "." + decStr
}

// Rule is one policy rule, matching the keyd policy.json schema.
type Rule struct {
	Action              string   `json:"action"`
	MaxAmount           *string  `json:"max_amount,omitempty"`
	Period              *string  `json:"period,omitempty"`
	AllowedDestinations []string `json:"allowed_destinations,omitempty"`
	Chain               *string  `json:"chain,omitempty"`
	MaxPerDay           *uint32  `json:"max_per_day,omitempty"`
}

// File is the on-disk policy document.
type File struct {
	Rules []Rule `json:"rules"`
}

func strp(s string) *string  { return &s }
func u32p(n uint32) *uint32  { return &n }

// DefaultPolicy matches the original's Default impl: 1 ETH/day (max 10
// sends), 10 SOL/day (max 20 sends), 100 signs/day.
func DefaultPolicy() File {
	return File{Rules: []Rule{
		{Action: "send", MaxAmount: strp("1.0"), Period: strp("daily"), Chain: strp("ethereum"), MaxPerDay: u32p(10)},
		{Action: "send", MaxAmount: strp("10.0"), Period: strp("daily"), Chain: strp("solana"), MaxPerDay: u32p(20)},
		{Action: "sign", Period: strp("daily"), MaxPerDay: u32p(100)},
	}}
}

// Decision is the result of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allowed() Decision        { return Decision{Allowed: true} }
func denied(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

type dailyCounters struct {
	date         string
	sendCounts   map[string]uint32
	sendAmounts  map[string]*big.Int
	signCount    uint32
}

func newDailyCounters() *dailyCounters {
	return &dailyCounters{
		date:        today(),
		sendCounts:  make(map[string]uint32),
		sendAmounts: make(map[string]*big.Int),
	}
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func (c *dailyCounters) resetIfNewDay() {
	now := today()
	if now != c.date {
		c.date = now
		c.sendCounts = make(map[string]uint32)
		c.sendAmounts = make(map[string]*big.Int)
		c.signCount = 0
	}
}

// Engine enforces the loaded policy against per-day usage counters.
type Engine struct {
	mu       sync.Mutex
	policy   File
	counters *dailyCounters
}

// NewEngine loads policy from path, writing out DefaultPolicy if the file
// doesn't exist yet (mode 0600, matching the original's unix permission set).
func NewEngine(path string) (*Engine, error) {
	var policy File

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parse policy file: %w", err)
		}
	} else {
		policy = DefaultPolicy()
		data, err := json.MarshalIndent(policy, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal default policy: %w", err)
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create policy dir: %w", err)
			}
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write default policy: %w", err)
		}
		logrus.WithField("path", path).Info("created default policy file")
	}

	return &Engine{policy: policy, counters: newDailyCounters()}, nil
}

// CheckSend evaluates a send operation against every matching rule, then
// records usage if allowed.
func (e *Engine) CheckSend(chain, amountStr, destination string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.resetIfNewDay()

	amount, ok := parseFixedAmount(amountStr)
	if !ok {
		return denied(fmt.Sprintf("invalid amount: %s", amountStr))
	}

	for _, rule := range e.policy.Rules {
		if rule.Action != "send" {
			continue
		}
		if rule.Chain != nil && *rule.Chain != chain {
			continue
		}

		if rule.AllowedDestinations != nil {
			found := false
			for _, d := range rule.AllowedDestinations {
				if d == destination {
					found = true
					break
				}
			}
			if !found {
				return denied(fmt.Sprintf("destination %s not in allowlist", destination))
			}
		}

		if rule.MaxPerDay != nil {
			if e.counters.sendCounts[chain] >= *rule.MaxPerDay {
				return denied(fmt.Sprintf("daily send limit reached (%d) for %s", *rule.MaxPerDay, chain))
			}
		}

		if rule.MaxAmount != nil {
			maxAmount, ok := parseFixedAmount(*rule.MaxAmount)
			if ok {
				current, exists := e.counters.sendAmounts[chain]
				if !exists {
					current = big.NewInt(0)
				}
				total := new(big.Int).Add(current, amount)
				if total.Cmp(maxAmount) > 0 {
					return denied(fmt.Sprintf("daily amount limit exceeded: %s + %s > %s %s",
						formatFixedAmount(current), amountStr, formatFixedAmount(maxAmount), chain))
				}
			}
		}
	}

	e.counters.sendCounts[chain]++
	current, exists := e.counters.sendAmounts[chain]
	if !exists {
		current = big.NewInt(0)
	}
	e.counters.sendAmounts[chain] = new(big.Int).Add(current, amount)

	return allowed()
}

// CheckSign evaluates a sign operation against every matching rule, then
// records usage if allowed.
func (e *Engine) CheckSign() Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.resetIfNewDay()

	for _, rule := range e.policy.Rules {
		if rule.Action != "sign" {
			continue
		}
		if rule.MaxPerDay != nil && e.counters.signCount >= *rule.MaxPerDay {
			return denied(fmt.Sprintf("daily sign limit reached (%d)", *rule.MaxPerDay))
		}
	}

	e.counters.signCount++
	return allowed()
}

// IsLoaded reports whether any rule was loaded.
func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.policy.Rules) > 0
}
