package mineragent

import (
	"context"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config wires a Fleet. Registry is required; everything else has a default.
type Config struct {
	Registry  *Registry
	Inventory *Inventory
	Ledger    *SwitchLedger
	// Store persists inventory and switch records; nil keeps state in memory.
	Store     Store
	Prefilter Prefilter
	AlertSink AlertSink

	Thresholds   Thresholds
	WatchWorkers int
	// Clock overrides time.Now in tests.
	Clock func() time.Time
	// Sleep overrides backoff waits in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fleet is the control engine entrypoint. It owns no goroutines: callers
// invoke Scan, SwitchIfNeeded, Reboot and Watch on a schedule they control.
type Fleet struct {
	registry  *Registry
	inventory *Inventory
	ledger    *SwitchLedger
	store     Store

	scanner  *Scanner
	switcher *Switcher
	rebooter *Rebooter
	watcher  *Watcher
}

func New(cfg Config) (*Fleet, error) {
	if cfg.Registry == nil {
		return nil, errors.New("fleet: registry is required")
	}
	if cfg.Inventory == nil {
		cfg.Inventory = NewInventory()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewSwitchLedger()
	}
	if cfg.Store == nil {
		cfg.Store = noopStore{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	f := &Fleet{
		registry:  cfg.Registry,
		inventory: cfg.Inventory,
		ledger:    cfg.Ledger,
		store:     cfg.Store,
	}
	f.scanner = &Scanner{
		registry:  cfg.Registry,
		inventory: cfg.Inventory,
		store:     cfg.Store,
		prefilter: cfg.Prefilter,
		now:       cfg.Clock,
	}
	f.switcher = &Switcher{
		registry:  cfg.Registry,
		inventory: cfg.Inventory,
		ledger:    cfg.Ledger,
		store:     cfg.Store,
		now:       cfg.Clock,
		sleep:     cfg.Sleep,
	}
	f.rebooter = &Rebooter{
		registry:  cfg.Registry,
		inventory: cfg.Inventory,
		sleep:     cfg.Sleep,
	}
	f.watcher = &Watcher{
		registry:   cfg.Registry,
		inventory:  cfg.Inventory,
		store:      cfg.Store,
		sink:       cfg.AlertSink,
		thresholds: cfg.Thresholds,
		workers:    cfg.WatchWorkers,
	}
	return f, nil
}

func (f *Fleet) Inventory() *Inventory { return f.inventory }
func (f *Fleet) Ledger() *SwitchLedger { return f.ledger }
func (f *Fleet) Registry() *Registry { return f.registry }

// Restore loads persisted machines and switch records into memory so a
// restarted controller keeps honouring cooldowns.
func (f *Fleet) Restore(ctx context.Context) error {
	machines, err := f.store.LoadMachines(ctx)
	if err != nil {
		return errors.Wrap(err, "load machines")
	}
	for _, m := range machines {
		f.inventory.Upsert(m)
	}
	records, err := f.store.LoadSwitchRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "load switch records")
	}
	for _, rec := range records {
		f.ledger.Record(rec)
	}
	log.Info().Int("machines", len(machines)).Int("switch_records", len(records)).Msg("fleet state restored")
	return nil
}

func (f *Fleet) Scan(ctx context.Context, ranges []string, concurrency int) (*ScanSummary, error) {
	return f.scanner.Scan(ctx, ranges, concurrency)
}

func (f *Fleet) SwitchIfNeeded(ctx context.Context, targets []string, desired []miner.PoolConfig, policy SwitchPolicy) (SwitchOutcomes, error) {
	return f.switcher.SwitchIfNeeded(ctx, targets, desired, policy)
}

// Configure applies pools unconditionally, ignoring current state and
// cooldown. It returns how many devices accepted the configuration.
func (f *Fleet) Configure(ctx context.Context, targets []string, pools []miner.PoolConfig, policy SwitchPolicy) (int, SwitchOutcomes, error) {
	policy.Force = true
	outcomes, err := f.switcher.SwitchIfNeeded(ctx, targets, pools, policy)
	if err != nil {
		return 0, nil, err
	}
	return outcomes.Count(OutcomeSwitched), outcomes, nil
}

func (f *Fleet) Reboot(ctx context.Context, addrs []string, policy RebootPolicy) (RebootOutcomes, error) {
	return f.rebooter.Reboot(ctx, addrs, policy)
}

func (f *Fleet) Watch(ctx context.Context, tick time.Time) ([]Alert, error) {
	return f.watcher.Watch(ctx, tick)
}
