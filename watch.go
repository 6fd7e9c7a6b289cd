package mineragent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/rs/zerolog/log"
)

const defaultWatchWorkers = 50

// Thresholds are the health limits checked on every watch tick. Zero disables
// a check.
type Thresholds struct {
	MinHashrateGHS  float64 `json:"min_hashrate_ghs" yaml:"min_hashrate_ghs" validate:"gte=0"`
	MaxTemperatureC float64 `json:"max_temperature_c" yaml:"max_temperature_c" validate:"gte=0"`
}

type AlertKind string

const (
	AlertStatus          AlertKind = "status"
	AlertHashrateLow     AlertKind = "hashrate_low"
	AlertTemperatureHigh AlertKind = "temperature_high"
)

// Alert is one anomaly observed by the watch loop.
type Alert struct {
	Address        string        `json:"address"`
	Vendor         miner.Vendor  `json:"vendor"`
	Kind           AlertKind     `json:"kind"`
	PreviousStatus miner.Status  `json:"previous_status"`
	NewStatus      miner.Status  `json:"new_status"`
	Metrics        miner.Metrics `json:"metrics"`
	Reason         string        `json:"reason,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// AlertSink delivers alerts; formatting and retries are its own concern.
type AlertSink interface {
	Deliver(ctx context.Context, alerts []Alert) error
}

// Watcher re-queries known devices on an externally driven tick.
type Watcher struct {
	registry   *Registry
	inventory  *Inventory
	store      Store
	sink       AlertSink
	thresholds Thresholds
	workers    int

	mu       sync.Mutex
	breached map[string]map[AlertKind]bool
}

// Watch refreshes every inventory entry and returns the alerts raised by this
// tick. Threshold alerts fire once when a device crosses into breach and again
// only after it recovered.
func (w *Watcher) Watch(ctx context.Context, tick time.Time) ([]Alert, error) {
	addrs := w.inventory.Addresses()
	var (
		mu      sync.Mutex
		alerts  []Alert
		updated []miner.MachineInfo
	)
	workers := w.workers
	if workers <= 0 {
		workers = defaultWatchWorkers
	}
	forEachDevice(ctx, addrs, workers, func(taskCtx context.Context, addr string) {
		var raised []Alert
		var info miner.MachineInfo
		var ok bool
		err := runSafe("watch "+addr, func() error {
			info, raised, ok = w.watchOne(taskCtx, addr, tick)
			return nil
		})
		if err != nil || !ok {
			return
		}
		mu.Lock()
		alerts = append(alerts, raised...)
		updated = append(updated, info)
		mu.Unlock()
	}, nil)

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Address != alerts[j].Address {
			return alerts[i].Address < alerts[j].Address
		}
		return alerts[i].Kind < alerts[j].Kind
	})

	persistCtx := context.WithoutCancel(ctx)
	if len(updated) > 0 {
		if err := w.store.UpsertMachines(persistCtx, updated); err != nil {
			log.Error().Err(err).Msg("persist watched machines failed")
		}
		if err := w.store.RecordMetrics(persistCtx, updated, tick); err != nil {
			log.Error().Err(err).Msg("record machine metrics failed")
		}
	}
	if len(alerts) > 0 && w.sink != nil {
		if err := w.sink.Deliver(persistCtx, alerts); err != nil {
			log.Error().Err(err).Int("alerts", len(alerts)).Msg("deliver alerts failed")
		}
	}
	log.Info().Int("devices", len(addrs)).Int("alerts", len(alerts)).Msg("watch tick finished")
	return alerts, ctx.Err()
}

func (w *Watcher) watchOne(ctx context.Context, addr string, tick time.Time) (miner.MachineInfo, []Alert, bool) {
	before, ok := w.inventory.Get(addr)
	if !ok {
		return miner.MachineInfo{}, nil, false
	}
	adapter, ok := w.registry.Adapter(before.Vendor)
	if !ok {
		return miner.MachineInfo{}, nil, false
	}
	report, err := adapter.QueryStatus(ctx, addr)
	after, ok := w.inventory.Update(addr, func(m *miner.MachineInfo) {
		if err != nil {
			m.MarkFailed(err)
			return
		}
		m.MarkOnline(report, tick)
	})
	if !ok {
		// removed by a concurrent re-scan
		return miner.MachineInfo{}, nil, false
	}

	var alerts []Alert
	newAlert := func(kind AlertKind, reason string) Alert {
		return Alert{
			Address:        addr,
			Vendor:         after.Vendor,
			Kind:           kind,
			PreviousStatus: before.Status,
			NewStatus:      after.Status,
			Metrics:        after.Metrics,
			Reason:         reason,
			Timestamp:      tick,
		}
	}
	if before.Status == miner.StatusOnline && after.Status != miner.StatusOnline {
		alerts = append(alerts, newAlert(AlertStatus, after.LastError))
	}
	if after.Status != miner.StatusOnline {
		w.resetBreaches(addr)
	} else {
		m := after.Metrics
		low := w.thresholds.MinHashrateGHS > 0 && m.HashrateGHS < w.thresholds.MinHashrateGHS
		if w.edge(addr, AlertHashrateLow, low) {
			alerts = append(alerts, newAlert(AlertHashrateLow,
				fmt.Sprintf("hashrate %.2f GH/s below %.2f", m.HashrateGHS, w.thresholds.MinHashrateGHS)))
		}
		hot := w.thresholds.MaxTemperatureC > 0 && m.TemperatureC > w.thresholds.MaxTemperatureC
		if w.edge(addr, AlertTemperatureHigh, hot) {
			alerts = append(alerts, newAlert(AlertTemperatureHigh,
				fmt.Sprintf("temperature %.1fC above %.1f", m.TemperatureC, w.thresholds.MaxTemperatureC)))
		}
	}
	return after, alerts, true
}

// edge records the breach state and reports whether it just became true.
func (w *Watcher) edge(addr string, kind AlertKind, breach bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.breached == nil {
		w.breached = make(map[string]map[AlertKind]bool)
	}
	kinds := w.breached[addr]
	if kinds == nil {
		kinds = make(map[AlertKind]bool)
		w.breached[addr] = kinds
	}
	was := kinds[kind]
	kinds[kind] = breach
	return breach && !was
}

// resetBreaches forgets threshold state so a device that comes back still in
// breach alerts again.
func (w *Watcher) resetBreaches(addr string) {
	w.mu.Lock()
	delete(w.breached, addr)
	w.mu.Unlock()
}
