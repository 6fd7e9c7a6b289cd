package mineragent

import (
	"context"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultRebootWorkers    = 20
	defaultRebootRetryDelay = 2 * time.Second
)

// RebootPolicy configures a reboot batch. Retries are off by default.
type RebootPolicy struct {
	Workers int
	// RetryTransient allows one re-attempt, and only when the instruction
	// never reached the device (dial failure).
	RetryTransient bool
	RetryDelay     time.Duration
}

// RebootOutcome is the per-device result of a reboot batch.
type RebootOutcome struct {
	OK       bool   `json:"ok"`
	Skipped  bool   `json:"skipped,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

func (o RebootOutcome) String() string {
	switch {
	case o.OK:
		return "success"
	case o.Skipped:
		return "skipped(cancelled)"
	default:
		return "failed(" + string(miner.KindOf(o.Err)) + ")"
	}
}

type RebootOutcomes map[string]RebootOutcome

func (o RebootOutcomes) Err() error {
	var addrs []string
	for addr, v := range o {
		if !v.OK && !v.Skipped {
			addrs = append(addrs, addr)
		}
	}
	return partialFailure("reboot", len(o), addrs)
}

// Rebooter is the reboot orchestrator.
type Rebooter struct {
	registry  *Registry
	inventory *Inventory
	sleep     func(ctx context.Context, d time.Duration) error
}

// Reboot sends the reboot instruction to every address concurrently.
// Success means the device accepted the instruction.
func (r *Rebooter) Reboot(ctx context.Context, addresses []string, policy RebootPolicy) (RebootOutcomes, error) {
	addrs, err := normalizeTargets(addresses)
	if err != nil {
		return nil, errors.Wrap(err, "reboot")
	}
	if policy.Workers <= 0 {
		policy.Workers = defaultRebootWorkers
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = defaultRebootRetryDelay
	}

	outcomes := make(RebootOutcomes, len(addrs))
	var mu sync.Mutex
	forEachDevice(ctx, addrs, policy.Workers, func(taskCtx context.Context, addr string) {
		var outcome RebootOutcome
		err := runSafe("reboot "+addr, func() error {
			outcome = r.rebootOne(ctx, taskCtx, addr, policy)
			return nil
		})
		if err != nil {
			outcome = RebootOutcome{Err: err, Error: err.Error()}
		}
		if outcome.OK {
			log.Info().Str("address", addr).Int("attempts", outcome.Attempts).Msg("reboot accepted")
		} else if !outcome.Skipped {
			log.Warn().Err(outcome.Err).Str("address", addr).Msg("reboot failed")
		}
		mu.Lock()
		outcomes[addr] = outcome
		mu.Unlock()
	}, func(addr string) {
		mu.Lock()
		outcomes[addr] = RebootOutcome{Skipped: true}
		mu.Unlock()
	})
	return outcomes, nil
}

func (r *Rebooter) rebootOne(parent, ctx context.Context, addr string, policy RebootPolicy) RebootOutcome {
	adapter, err := r.registry.resolve(ctx, r.inventory, addr)
	if err != nil {
		r.inventory.markFailed(addr, err)
		return RebootOutcome{Err: err, Error: err.Error(), Attempts: 1}
	}
	attempts := 1
	err = adapter.Reboot(ctx, addr)
	if err != nil && policy.RetryTransient && miner.IsDialFailure(err) {
		if sleepErr := r.sleep(parent, policy.RetryDelay); sleepErr == nil {
			attempts++
			err = adapter.Reboot(ctx, addr)
		}
	}
	if err != nil {
		r.inventory.markFailed(addr, err)
		return RebootOutcome{Err: err, Error: err.Error(), Attempts: attempts}
	}
	// status is refreshed by the next watch tick once the device is back
	r.inventory.Update(addr, func(m *miner.MachineInfo) { m.LastError = "" })
	return RebootOutcome{OK: true, Attempts: attempts}
}
