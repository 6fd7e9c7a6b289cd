package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	mineragent "github.com/httprunner/MinerAgent"
	"github.com/httprunner/MinerAgent/internal/config"
	"github.com/httprunner/MinerAgent/internal/feishusdk"
	"github.com/httprunner/MinerAgent/internal/sweep"
	"github.com/httprunner/MinerAgent/pkg/fleetsheet"
	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/httprunner/MinerAgent/pkg/notify"
	"github.com/httprunner/MinerAgent/pkg/storage"
	"github.com/httprunner/MinerAgent/providers/antminer"
	"github.com/httprunner/MinerAgent/providers/avalon"
	"github.com/httprunner/MinerAgent/providers/bluestar"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// runtime bundles everything a command needs: the parsed fleet file, the
// engine, and the optional store, notifier and spreadsheet source.
type runtime struct {
	cfg      *config.Fleet
	fleet    *mineragent.Fleet
	store    *storage.Store
	reporter *notify.Reporter
	sheet    *fleetsheet.Source

	mu        sync.RWMutex
	positions map[string]string
}

// switchJob is one desired pool list applied to a set of targets.
type switchJob struct {
	Name     string
	Targets  []string
	Pools    []miner.PoolConfig
	WorkMode miner.WorkMode
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(rootConfig)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, positions: make(map[string]string)}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	fc := mineragent.Config{
		Registry:     registry,
		Thresholds:   cfg.Watch.Thresholds,
		WatchWorkers: cfg.Watch.Workers,
	}
	if cfg.Storage.Enable {
		store, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		rt.store = store
		fc.Store = store
		log.Info().Str("path", store.Path()).Msg("storage enabled")
	}
	if cfg.Scan.Prefilter {
		fc.Prefilter = sweep.NewNmap(nil, cfg.Scan.ProbeTimeout*10)
	}
	if hook := strings.TrimSpace(cfg.Notify.BotWebhook); hook != "" {
		bot, err := notify.NewBot(hook, nil)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.reporter = notify.NewReporter(bot, notify.NewFailureTracker(cfg.Notify.After), rt.position)
		fc.AlertSink = rt.reporter
	}
	if cfg.Sheet != nil {
		src, err := newSheetSource(cfg.Sheet)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.sheet = src
	}

	fleet, err := mineragent.New(fc)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.fleet = fleet
	if err := fleet.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("restore persisted state failed")
	}
	return rt, nil
}

func buildRegistry(cfg *config.Fleet) (*mineragent.Registry, error) {
	timeout := cfg.Scan.ProbeTimeout
	// 识别顺序：蚂蚁 → 阿瓦隆 → 蓝星
	return mineragent.NewRegistry(
		antminer.New(antminer.Config{
			Username: cfg.Vendors.AntminerUser,
			Password: cfg.Vendors.AntminerPassword,
			Timeout:  timeout,
		}),
		avalon.New(avalon.Config{Timeout: timeout, RebootAfterSet: true}),
		bluestar.New(bluestar.Config{Password: cfg.Vendors.BlueStarPassword, Timeout: timeout}),
	)
}

func newSheetSource(sc *config.SheetConfig) (*fleetsheet.Source, error) {
	client, err := feishusdk.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(sc.Spreadsheet)
	if strings.HasPrefix(token, "http") {
		ref, err := feishusdk.ParseSpreadsheetURL(token)
		if err != nil {
			return nil, errors.Wrap(err, "parse sheet url")
		}
		token = ref.SpreadsheetToken
	}
	return fleetsheet.New(client, fleetsheet.Options{
		SpreadsheetToken: token,
		MachineSheets:    sc.MachineSheets,
		PoolSheet:        sc.PoolSheet,
		AccountTimeSheet: sc.AccountTimeSheet,
		PerfTimeSheet:    sc.PerfTimeSheet,
	})
}

func (rt *runtime) Close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close storage failed")
		}
	}
}

// position labels addr with its rack position from the last sheet load.
func (rt *runtime) position(addr string) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.positions[addr]
}

// sheetJobs loads the spreadsheet and plans groups for now.
func (rt *runtime) sheetJobs(ctx context.Context, now time.Time) ([]switchJob, error) {
	if rt.sheet == nil {
		return nil, errors.New("sheet section is not configured")
	}
	snap, err := rt.sheet.Load(ctx)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	for _, m := range snap.Machines {
		if m.Position != "" {
			rt.positions[m.Address] = m.Position
		}
	}
	rt.mu.Unlock()

	groups, err := snap.Plan(now)
	if err != nil {
		return nil, err
	}
	jobs := make([]switchJob, 0, len(groups))
	for _, g := range groups {
		name := fmt.Sprintf("%s/%s", g.Kind, g.Vendor)
		if g.WorkMode != "" {
			name += "/" + string(g.WorkMode)
		}
		jobs = append(jobs, switchJob{
			Name:     name,
			Targets:  g.Targets,
			Pools:    g.Desired,
			WorkMode: g.WorkMode,
		})
	}
	return jobs, nil
}

// groupJobs resolves named groups; no names selects every group.
func (rt *runtime) groupJobs(names []string) ([]switchJob, error) {
	if len(names) == 0 {
		for _, g := range rt.cfg.Groups {
			names = append(names, g.Name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("no switch groups configured")
	}
	jobs := make([]switchJob, 0, len(names))
	for _, name := range names {
		g, ok := rt.cfg.Group(name)
		if !ok {
			return nil, errors.Errorf("unknown group %q", name)
		}
		jobs = append(jobs, switchJob{Name: g.Name, Targets: g.Targets, Pools: g.Pools, WorkMode: g.WorkMode})
	}
	return jobs, nil
}

// runSwitchJobs applies each job in order and merges the outcomes. A target
// listed in two jobs keeps the later outcome.
func (rt *runtime) runSwitchJobs(ctx context.Context, jobs []switchJob, policy mineragent.SwitchPolicy) (mineragent.SwitchOutcomes, error) {
	merged := make(mineragent.SwitchOutcomes)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		p := policy
		if job.WorkMode != "" {
			p.WorkMode = job.WorkMode
		}
		outcomes, err := rt.fleet.SwitchIfNeeded(ctx, job.Targets, job.Pools, p)
		if err != nil {
			return merged, errors.Wrapf(err, "group %s", job.Name)
		}
		log.Info().Str("group", job.Name).Int("targets", len(job.Targets)).
			Int("switched", outcomes.Count(mineragent.OutcomeSwitched)).
			Int("noop", outcomes.Count(mineragent.OutcomeNoOpAlready)).
			Int("skipped", outcomes.Count(mineragent.OutcomeSkipped)).
			Int("failed", outcomes.Count(mineragent.OutcomeFailed)).
			Msg("switch group finished")
		for addr, o := range outcomes {
			merged[addr] = o
		}
	}
	if rt.reporter != nil {
		if err := rt.reporter.ReportSwitch(ctx, merged); err != nil {
			log.Warn().Err(err).Msg("send switch report failed")
		}
	}
	return merged, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
