package mineragent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultSwitchWorkers = 20
	defaultFetchAttempts = 3
	defaultFetchBackoff  = time.Second
)

// OutcomeKind classifies the result of a per-device switch.
type OutcomeKind string

const (
	OutcomeSwitched    OutcomeKind = "switched"
	OutcomeNoOpAlready OutcomeKind = "noop_already"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeFailed      OutcomeKind = "failed"
)

// SkipReason explains an OutcomeSkipped.
type SkipReason string

const (
	SkipCooldown    SkipReason = "cooldown"
	SkipUnreachable SkipReason = "unreachable"
	SkipCancelled   SkipReason = "cancelled"
)

// SwitchOutcome is one entry of the outcome map.
type SwitchOutcome struct {
	Kind     OutcomeKind       `json:"kind"`
	Reason   SkipReason        `json:"reason,omitempty"`
	Err      error             `json:"-"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Previous *miner.PoolConfig `json:"previous,omitempty"`
}

func (o SwitchOutcome) String() string {
	switch o.Kind {
	case OutcomeSkipped:
		return fmt.Sprintf("skipped(%s)", o.Reason)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", miner.KindOf(o.Err))
	default:
		return string(o.Kind)
	}
}

func failed(err error, attempts int) SwitchOutcome {
	return SwitchOutcome{Kind: OutcomeFailed, Err: err, Error: err.Error(), Attempts: attempts}
}

func skipped(reason SkipReason) SwitchOutcome {
	return SwitchOutcome{Kind: OutcomeSkipped, Reason: reason}
}

// SwitchOutcomes maps device address to outcome.
type SwitchOutcomes map[string]SwitchOutcome

// Count returns how many devices ended with kind.
func (o SwitchOutcomes) Count(kind OutcomeKind) int {
	n := 0
	for _, v := range o {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

// Err aggregates failed devices into a PartialFleetError, nil when none failed.
func (o SwitchOutcomes) Err() error {
	var addrs []string
	for addr, v := range o {
		if v.Kind == OutcomeFailed {
			addrs = append(addrs, addr)
		}
	}
	return partialFailure("switch", len(o), addrs)
}

// SwitchPolicy holds the tunables of one switch run. The zero value is
// usable: no cooldown, default workers and fetch retries, strict pool identity.
type SwitchPolicy struct {
	Cooldown      time.Duration
	Workers       int
	FetchAttempts int
	FetchBackoff  time.Duration
	// Equal decides "already on desired primary"; defaults to miner.SamePool.
	Equal miner.EqualFunc
	// WorkerNamer rewrites desired pools per device before compare and apply.
	WorkerNamer miner.WorkerNamer
	// SkipOffline skips devices the inventory already marks offline without
	// touching the network.
	SkipOffline bool
	// Force applies the pools regardless of current state and cooldown.
	Force bool
	// WorkMode, when set, is the performance profile targets should run.
	// A mismatch counts as needing a switch on adapters that implement
	// miner.WorkModeSetter; other vendors ignore it.
	WorkMode miner.WorkMode
}

func (p SwitchPolicy) withDefaults() SwitchPolicy {
	if p.Workers <= 0 {
		p.Workers = defaultSwitchWorkers
	}
	if p.FetchAttempts <= 0 {
		p.FetchAttempts = defaultFetchAttempts
	}
	if p.FetchBackoff < 0 {
		p.FetchBackoff = 0
	} else if p.FetchBackoff == 0 {
		p.FetchBackoff = defaultFetchBackoff
	}
	if p.Equal == nil {
		p.Equal = miner.SamePool
	}
	return p
}

// Switcher is the pool-switch policy engine.
type Switcher struct {
	registry  *Registry
	inventory *Inventory
	ledger    *SwitchLedger
	store     Store
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// SwitchIfNeeded brings every target's primary pool to desired[0], applying
// the full desired list where a switch is needed. The returned map holds
// exactly one outcome per distinct target. An error is returned only when
// the run cannot start.
func (s *Switcher) SwitchIfNeeded(ctx context.Context, targets []string, desired []miner.PoolConfig, policy SwitchPolicy) (SwitchOutcomes, error) {
	addrs, err := normalizeTargets(targets)
	if err != nil {
		return nil, errors.Wrap(err, "switch")
	}
	desired = miner.NormalizePools(desired)
	if len(desired) == 0 {
		return nil, errors.New("switch: desired pool list is empty")
	}
	if policy.WorkMode != "" && policy.WorkMode != miner.WorkModeNormal && policy.WorkMode != miner.WorkModeHigh {
		return nil, errors.Errorf("switch: unknown work mode %q", policy.WorkMode)
	}
	policy = policy.withDefaults()

	outcomes := make(SwitchOutcomes, len(addrs))
	var mu sync.Mutex
	set := func(addr string, o SwitchOutcome) {
		mu.Lock()
		outcomes[addr] = o
		mu.Unlock()
	}
	forEachDevice(ctx, addrs, policy.Workers, func(taskCtx context.Context, addr string) {
		var outcome SwitchOutcome
		err := runSafe("switch "+addr, func() error {
			outcome = s.switchOne(ctx, taskCtx, addr, desired, policy)
			return nil
		})
		if err != nil {
			outcome = failed(err, 0)
		}
		logOutcome(addr, outcome)
		set(addr, outcome)
	}, func(addr string) {
		set(addr, skipped(SkipCancelled))
	})

	log.Info().
		Int("targets", len(addrs)).
		Int("switched", outcomes.Count(OutcomeSwitched)).
		Int("noop", outcomes.Count(OutcomeNoOpAlready)).
		Int("skipped", outcomes.Count(OutcomeSkipped)).
		Int("failed", outcomes.Count(OutcomeFailed)).
		Msg("switch run finished")
	return outcomes, nil
}

// switchOne runs fetch, compare, cooldown and apply for one device under its
// ledger lock. parent carries cancellation for backoff waits; ctx is the
// detached context used for device I/O.
func (s *Switcher) switchOne(parent, ctx context.Context, addr string, desired []miner.PoolConfig, policy SwitchPolicy) SwitchOutcome {
	unlock := s.ledger.lock(addr)
	defer unlock()

	if policy.SkipOffline {
		if info, ok := s.inventory.Get(addr); ok && info.Status == miner.StatusOffline {
			return skipped(SkipUnreachable)
		}
	}

	adapter, current, attempts, err := s.fetch(parent, ctx, addr, policy)
	if err != nil {
		s.inventory.markFailed(addr, err)
		return failed(err, attempts)
	}
	s.inventory.Update(addr, func(m *miner.MachineInfo) { m.Pools = current })

	target := miner.NormalizePools(miner.ApplyNamer(addr, desired, policy.WorkerNamer))
	previous := current[0]
	modes, _ := adapter.(miner.WorkModeSetter)
	if policy.WorkMode == "" {
		modes = nil
	}
	sameMode := true
	if modes != nil {
		mode, err := modes.GetWorkMode(ctx, addr)
		if err != nil {
			s.inventory.markFailed(addr, err)
			out := failed(err, attempts)
			out.Previous = &previous
			return out
		}
		sameMode = mode == policy.WorkMode
	}
	if !policy.Force && sameMode && policy.Equal(current[0], target[0]) {
		return SwitchOutcome{Kind: OutcomeNoOpAlready, Attempts: attempts, Previous: &previous}
	}
	now := s.now()
	if !policy.Force {
		if rec, cooling := s.ledger.InCooldown(addr, now, policy.Cooldown); cooling {
			log.Debug().Str("address", addr).Time("last_switch", rec.SwitchedAt).Msg("switch suppressed by cooldown")
			return SwitchOutcome{Kind: OutcomeSkipped, Reason: SkipCooldown, Attempts: attempts, Previous: &previous}
		}
	}

	// 工作模式需在写矿池之前下发，部分机型写矿池后立即重启
	if modes != nil {
		if err := modes.SetWorkMode(ctx, addr, policy.WorkMode); err != nil {
			s.inventory.markFailed(addr, err)
			out := failed(err, attempts)
			out.Previous = &previous
			return out
		}
	}
	if err := adapter.SetPools(ctx, addr, target); err != nil {
		s.inventory.markFailed(addr, err)
		out := failed(err, attempts)
		out.Previous = &previous
		return out
	}

	rec := miner.SwitchRecord{Address: addr, SwitchedAt: now, Target: target[0]}
	s.ledger.Record(rec)
	s.inventory.Update(addr, func(m *miner.MachineInfo) {
		m.Pools = target
		m.LastError = ""
	})
	if err := s.store.SaveSwitchRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("address", addr).Msg("persist switch record failed")
	}
	return SwitchOutcome{Kind: OutcomeSwitched, Attempts: attempts, Previous: &previous}
}

// fetch resolves the adapter and reads current pools, retrying only
// Unreachable failures with linear backoff.
func (s *Switcher) fetch(parent, ctx context.Context, addr string, policy SwitchPolicy) (miner.Adapter, []miner.PoolConfig, int, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.FetchAttempts; attempt++ {
		adapter, err := s.registry.resolve(ctx, s.inventory, addr)
		if err == nil {
			var pools []miner.PoolConfig
			pools, err = adapter.GetPools(ctx, addr)
			if err == nil && len(pools) == 0 {
				err = miner.Protocolf("pools", addr, "device reports no pools")
			}
			if err == nil {
				return adapter, pools, attempt, nil
			}
		}
		lastErr = err
		if !miner.IsUnreachable(err) {
			return nil, nil, attempt, err
		}
		if attempt == policy.FetchAttempts {
			break
		}
		log.Debug().Err(err).Str("address", addr).Int("attempt", attempt).Msg("fetch pools failed, retrying")
		// 批次截止或取消时保留最后一次的 Unreachable 错误
		if err := s.sleep(parent, time.Duration(attempt)*policy.FetchBackoff); err != nil {
			return nil, nil, attempt, lastErr
		}
	}
	return nil, nil, policy.FetchAttempts, lastErr
}

func logOutcome(addr string, o SwitchOutcome) {
	event := log.Info()
	if o.Kind == OutcomeFailed {
		event = log.Warn().Err(o.Err)
	} else if o.Kind != OutcomeSwitched {
		event = log.Debug()
	}
	event.Str("address", addr).Str("outcome", o.String()).Int("attempts", o.Attempts).Msg("switch outcome")
}

func normalizeTargets(targets []string) ([]string, error) {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.ContainsAny(t, " \t") {
			return nil, errors.Errorf("malformed address %q", t)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("no targets")
	}
	sort.Strings(out)
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
