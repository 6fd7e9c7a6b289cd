package mineragent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const defaultScanConcurrency = 50

// Prefilter narrows scan candidates to hosts that answer at all, so dead
// addresses do not cost one probe timeout per vendor.
type Prefilter interface {
	Alive(ctx context.Context, addrs []string) ([]string, error)
}

// ScanSummary is the result of one scan. Probed vs Found is the success
// metric; per-address failures are data, not errors.
type ScanSummary struct {
	Probed    int                  `json:"probed"`
	Found     int                  `json:"found"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
	Failures  map[string]string    `json:"failures,omitempty"`
	Removed   []string             `json:"removed,omitempty"`
	Machines  []miner.MachineInfo  `json:"machines"`
	Inventory []miner.MachineInfo  `json:"-"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration"`
	Cancelled bool                 `json:"cancelled,omitempty"`
	byVendor  map[miner.Vendor]int
}

// VendorCounts returns how many devices each vendor contributed.
func (s *ScanSummary) VendorCounts() map[miner.Vendor]int {
	out := make(map[miner.Vendor]int, len(s.byVendor))
	for k, v := range s.byVendor {
		out[k] = v
	}
	return out
}

// Scanner discovers and classifies devices into an inventory.
type Scanner struct {
	registry  *Registry
	inventory *Inventory
	store     Store
	prefilter Prefilter
	now       func() time.Time
}

// Scan expands ranges, probes every address with bounded concurrency and
// upserts each device that classifies and answers status and pool queries.
// Known devices inside the ranges that no longer answer are removed. Only a
// malformed range list fails the call.
func (s *Scanner) Scan(ctx context.Context, ranges []string, concurrency int) (*ScanSummary, error) {
	addrs, err := ExpandRanges(ranges)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	if concurrency <= 0 {
		concurrency = defaultScanConcurrency
	}
	summary := &ScanSummary{
		Failures:  make(map[string]string),
		StartedAt: s.now(),
		byVendor:  make(map[miner.Vendor]int),
	}
	var (
		mu       sync.Mutex
		probed   atomic.Int64
		found    atomic.Int64
		skipped  atomic.Int64
		machines []miner.MachineInfo
	)
	fail := func(addr string, err error) {
		mu.Lock()
		summary.Failures[addr] = err.Error()
		mu.Unlock()
		if s.inventory.Remove(addr) {
			mu.Lock()
			summary.Removed = append(summary.Removed, addr)
			mu.Unlock()
			log.Info().Str("address", addr).Msg("miner no longer observed, removed from inventory")
		}
	}

	candidates := addrs
	if s.prefilter != nil {
		alive, err := s.prefilter.Alive(ctx, addrs)
		if err != nil {
			log.Warn().Err(err).Msg("scan prefilter failed, probing every address")
		} else {
			aliveSet := make(map[string]struct{}, len(alive))
			for _, a := range alive {
				aliveSet[a] = struct{}{}
			}
			candidates = make([]string, 0, len(alive))
			for _, a := range addrs {
				if _, ok := aliveSet[a]; ok {
					candidates = append(candidates, a)
					continue
				}
				probed.Inc()
				fail(a, miner.Unreachable("sweep", a, errors.New("host down")))
			}
		}
	}

	log.Info().Int("addresses", len(addrs)).Int("candidates", len(candidates)).Int("concurrency", concurrency).Msg("scan started")
	forEachDevice(ctx, candidates, concurrency, func(taskCtx context.Context, addr string) {
		probed.Inc()
		info, err := s.probe(taskCtx, addr)
		if err != nil {
			fail(addr, err)
			return
		}
		found.Inc()
		stored := s.inventory.Upsert(info)
		mu.Lock()
		machines = append(machines, stored)
		summary.byVendor[stored.Vendor]++
		mu.Unlock()
	}, func(addr string) {
		skipped.Inc()
	})

	summary.Probed = int(probed.Load())
	summary.Found = int(found.Load())
	summary.Failed = summary.Probed - summary.Found
	summary.Skipped = int(skipped.Load())
	summary.Cancelled = ctx.Err() != nil
	sort.Slice(machines, func(i, j int) bool { return machines[i].Address < machines[j].Address })
	sort.Strings(summary.Removed)
	summary.Machines = machines
	summary.Inventory = s.inventory.List()
	summary.Duration = s.now().Sub(summary.StartedAt)

	persistCtx := context.WithoutCancel(ctx)
	if len(machines) > 0 {
		if err := s.store.UpsertMachines(persistCtx, machines); err != nil {
			log.Error().Err(err).Msg("persist scanned machines failed")
		}
	}
	if len(summary.Removed) > 0 {
		if err := s.store.RemoveMachines(persistCtx, summary.Removed); err != nil {
			log.Error().Err(err).Msg("persist removed machines failed")
		}
	}
	log.Info().
		Int("probed", summary.Probed).
		Int("found", summary.Found).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("elapsed", summary.Duration).
		Msg("scan finished")
	return summary, nil
}

// probe classifies addr and reads its status and pools.
func (s *Scanner) probe(ctx context.Context, addr string) (miner.MachineInfo, error) {
	var info miner.MachineInfo
	err := runSafe("scan "+addr, func() error {
		vendor, err := s.registry.Classify(ctx, addr)
		if err != nil {
			return err
		}
		adapter, ok := s.registry.Adapter(vendor)
		if !ok {
			return ErrUnknownVendor
		}
		report, err := adapter.QueryStatus(ctx, addr)
		if err != nil {
			return err
		}
		pools, err := adapter.GetPools(ctx, addr)
		if err != nil {
			return err
		}
		if len(pools) == 0 {
			return miner.Protocolf("pools", addr, "device reports no pools")
		}
		info = miner.MachineInfo{Address: addr, Vendor: vendor, Pools: pools}
		info.MarkOnline(report, s.now())
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("address", addr).Msg("scan probe failed")
	}
	return info, err
}
