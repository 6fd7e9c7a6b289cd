package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mineragent "github.com/httprunner/MinerAgent"
	"github.com/rs/zerolog/log"
)

// DefaultFailureThreshold is how many consecutive failed runs a device needs
// before it is reported.
const DefaultFailureThreshold = 3

// FailureTracker debounces per-device failures across runs. A device is
// reported once its streak reaches the threshold, then its streak restarts.
type FailureTracker struct {
	threshold int

	mu      sync.Mutex
	streaks map[string]int
}

func NewFailureTracker(threshold int) *FailureTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &FailureTracker{threshold: threshold, streaks: make(map[string]int)}
}

// Observe records one run. Succeeded devices clear their streak. The
// returned addresses are due for a report, sorted.
func (t *FailureTracker) Observe(failed, succeeded []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, addr := range succeeded {
		delete(t.streaks, addr)
	}
	var due []string
	for _, addr := range failed {
		t.streaks[addr]++
		if t.streaks[addr] >= t.threshold {
			t.streaks[addr] = 0
			due = append(due, addr)
		}
	}
	sort.Strings(due)
	return due
}

// Streak returns the current consecutive failure count of addr.
func (t *FailureTracker) Streak(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaks[addr]
}

// Reporter turns engine results into bot messages.
type Reporter struct {
	sender  Sender
	tracker *FailureTracker
	labels  func(addr string) string
	now     func() time.Time
}

// NewReporter builds a Reporter. labels may be nil; when set its result is
// appended to each address, e.g. the rack position.
func NewReporter(sender Sender, tracker *FailureTracker, labels func(addr string) string) *Reporter {
	if tracker == nil {
		tracker = NewFailureTracker(DefaultFailureThreshold)
	}
	return &Reporter{sender: sender, tracker: tracker, labels: labels, now: time.Now}
}

// ReportSwitch feeds one switch run into the tracker and sends a message
// for devices that just crossed the threshold. Skipped devices neither
// extend nor clear a streak.
func (r *Reporter) ReportSwitch(ctx context.Context, outcomes mineragent.SwitchOutcomes) error {
	var failed, succeeded []string
	for addr, o := range outcomes {
		switch o.Kind {
		case mineragent.OutcomeFailed:
			failed = append(failed, addr)
		case mineragent.OutcomeSwitched, mineragent.OutcomeNoOpAlready:
			succeeded = append(succeeded, addr)
		}
	}
	return r.sendDue(ctx, r.tracker.Observe(failed, succeeded))
}

// ReportReboot works like ReportSwitch for reboot outcomes.
func (r *Reporter) ReportReboot(ctx context.Context, outcomes mineragent.RebootOutcomes) error {
	var failed, succeeded []string
	for addr, o := range outcomes {
		switch {
		case o.OK:
			succeeded = append(succeeded, addr)
		case !o.Skipped:
			failed = append(failed, addr)
		}
	}
	return r.sendDue(ctx, r.tracker.Observe(failed, succeeded))
}

func (r *Reporter) sendDue(ctx context.Context, due []string) error {
	if len(due) == 0 || r.sender == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s 访问故障: ", r.now().Format("15:04:05"))
	for _, addr := range due {
		b.WriteString("[" + addr)
		if r.labels != nil {
			if label := strings.TrimSpace(r.labels(addr)); label != "" {
				b.WriteString("-" + label)
			}
		}
		b.WriteString("]")
	}
	log.Info().Strs("addresses", due).Msg("notify: reporting repeated failures")
	return r.sender.Send(ctx, b.String())
}

// Deliver implements the engine's alert sink: one line per alert.
func (r *Reporter) Deliver(ctx context.Context, alerts []mineragent.Alert) error {
	if len(alerts) == 0 || r.sender == nil {
		return nil
	}
	lines := make([]string, 0, len(alerts))
	for _, a := range alerts {
		lines = append(lines, FormatAlert(a))
	}
	return r.sender.Send(ctx, strings.Join(lines, "\n"))
}

// FormatAlert renders a single alert as one human readable line.
func FormatAlert(a mineragent.Alert) string {
	ts := a.Timestamp.Format("15:04:05")
	switch a.Kind {
	case mineragent.AlertStatus:
		line := fmt.Sprintf("%s %s %s: %s -> %s", ts, a.Address, a.Vendor, a.PreviousStatus, a.NewStatus)
		if a.Reason != "" {
			line += " (" + a.Reason + ")"
		}
		return line
	case mineragent.AlertHashrateLow:
		return fmt.Sprintf("%s %s %s: 算力过低 %.0f GH/s", ts, a.Address, a.Vendor, a.Metrics.HashrateGHS)
	case mineragent.AlertTemperatureHigh:
		return fmt.Sprintf("%s %s %s: 温度过高 %.1f°C", ts, a.Address, a.Vendor, a.Metrics.TemperatureC)
	default:
		return fmt.Sprintf("%s %s %s: %s %s", ts, a.Address, a.Vendor, a.Kind, a.Reason)
	}
}
