package switchd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

// WatcherState is a watcher's current degradation state.
type WatcherState string

const (
	WatcherHealthy  WatcherState = "healthy"
	WatcherDegraded WatcherState = "degraded"
)

// Watcher is an autopilot health watch: a single health check run on an
// interval, with an escalation ladder of actions taken on consecutive
// failures.
type Watcher struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Check        HealthCheck   `json:"check"`
	IntervalSecs uint64        `json:"interval_secs"`
	Actions      []WatchAction `json:"actions"`
	State        WatcherState  `json:"state"`
	Since        string        `json:"since,omitempty"`
	Retries      uint32        `json:"retries,omitempty"`
}

func (w *Watcher) isDegraded() bool {
	return w.State == WatcherDegraded
}

// WatcherSet holds the registered watchers for a node and drives their
// health-check/escalation cycle.
type WatcherSet struct {
	mu       sync.Mutex
	watchers []*Watcher
	ledger   *ledgerclient.Client
}

// NewWatcherSet builds an empty watcher set.
func NewWatcherSet(ledger *ledgerclient.Client) *WatcherSet {
	return &WatcherSet{ledger: ledger}
}

// Add registers a new watcher after validating its check and actions.
func (ws *WatcherSet) Add(name string, check HealthCheck, intervalSecs uint64, actions []WatchAction) (Watcher, error) {
	if err := ValidateHealthCheck(check); err != nil {
		return Watcher{}, err
	}
	for _, a := range actions {
		if err := ValidateWatchAction(a); err != nil {
			return Watcher{}, err
		}
	}
	if intervalSecs == 0 {
		intervalSecs = 30
	}

	w := &Watcher{
		ID: uuid.NewString(), Name: name, Check: check,
		IntervalSecs: intervalSecs, Actions: actions, State: WatcherHealthy,
	}

	ws.mu.Lock()
	ws.watchers = append(ws.watchers, w)
	ws.mu.Unlock()

	logrus.WithFields(logrus.Fields{"watcher_id": w.ID, "name": name}).Info("watcher added")
	return *w, nil
}

// List returns a snapshot of all registered watchers.
func (ws *WatcherSet) List() []Watcher {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]Watcher, len(ws.watchers))
	for i, w := range ws.watchers {
		out[i] = *w
	}
	return out
}

// Remove deletes a watcher by ID, reporting whether one was found.
func (ws *WatcherSet) Remove(id string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, w := range ws.watchers {
		if w.ID == id {
			ws.watchers = append(ws.watchers[:i], ws.watchers[i+1:]...)
			return true
		}
	}
	return false
}

// executeAction runs a single escalation action and returns a result message.
func executeAction(ctx context.Context, action WatchAction) (string, error) {
	if err := ValidateWatchAction(action); err != nil {
		return "", err
	}

	switch action.Kind {
	case ActionRestartService:
		out, err := exec.CommandContext(ctx, "systemctl", "restart", action.Unit).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("restart %s failed: %s", action.Unit, strings.TrimSpace(string(out)))
		}
		return fmt.Sprintf("restarted %s", action.Unit), nil
	case ActionRollbackGeneration:
		gen, err := RollbackGeneration(ctx)
		if err != nil {
			return "", fmt.Errorf("rollback failed: %w", err)
		}
		return fmt.Sprintf("rolled back to %s", gen), nil
	case ActionNotify:
		logrus.WithField("message", action.Message).Warn("watcher notification")
		return fmt.Sprintf("notified: %s", action.Message), nil
	default:
		return "", fmt.Errorf("unknown watch action kind: %s", action.Kind)
	}
}

// runCycle runs one health-check/escalation cycle for a single watcher and
// returns any human-readable action summaries produced.
func runCycle(ctx context.Context, w *Watcher) []string {
	var taken []string

	passed, _ := RunHealthChecks(ctx, []HealthCheck{w.Check})
	if passed {
		if w.isDegraded() {
			logrus.WithField("name", w.Name).Info("watcher recovered")
			taken = append(taken, fmt.Sprintf("%s: recovered", w.Name))
		}
		w.State = WatcherHealthy
		w.Since = ""
		w.Retries = 0
		return taken
	}

	var retries uint32
	if w.State == WatcherHealthy {
		w.State = WatcherDegraded
		w.Since = time.Now().UTC().Format(time.RFC3339)
		w.Retries = 0
		retries = 0
	} else {
		w.Retries++
		retries = w.Retries
	}

	actionIdx := int(retries)
	if actionIdx > len(w.Actions)-1 {
		actionIdx = len(w.Actions) - 1
	}
	if actionIdx < 0 || len(w.Actions) == 0 {
		return taken
	}

	msg, err := executeAction(ctx, w.Actions[actionIdx])
	if err != nil {
		taken = append(taken, fmt.Sprintf("%s: action failed — %v", w.Name, err))
	} else {
		taken = append(taken, fmt.Sprintf("%s: %s", w.Name, msg))
	}
	return taken
}

const watcherTickInterval = 30 * time.Second

// RunWatcherLoop ticks every tickInterval (or the package default of 30s if
// it is not positive), running every registered watcher's check/escalation cycle
// and best-effort logging escalations to the ledger.
func (ws *WatcherSet) RunWatcherLoop(ctx context.Context, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = watcherTickInterval
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("watcher loop shutting down")
			return
		case <-ticker.C:
			ws.tick(ctx)
		}
	}
}

func (ws *WatcherSet) tick(ctx context.Context) {
	ws.mu.Lock()
	watchers := make([]*Watcher, len(ws.watchers))
	copy(watchers, ws.watchers)
	ws.mu.Unlock()

	for _, w := range watchers {
		actions := runCycle(ctx, w)
		for _, a := range actions {
			logrus.WithFields(logrus.Fields{"watcher": w.Name, "action": a}).Info("watcher action")
		}
		if len(actions) > 0 {
			ws.ledger.Append(ctx, "watch.watcher.escalation", w.ID, map[string]interface{}{
				"watcher": w.Name, "actions": actions,
			}, "watch", "escalation")
		}
	}
}
