package mineragent

import (
	"context"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

// Store persists inventory and switch state. Persistence is optional: the
// engine runs entirely in memory with the noop store and never depends on a
// particular storage engine.
type Store interface {
	UpsertMachines(ctx context.Context, machines []miner.MachineInfo) error
	RemoveMachines(ctx context.Context, addrs []string) error
	LoadMachines(ctx context.Context) ([]miner.MachineInfo, error)
	SaveSwitchRecord(ctx context.Context, rec miner.SwitchRecord) error
	LoadSwitchRecords(ctx context.Context) ([]miner.SwitchRecord, error)
	// RecordMetrics appends one time-series sample per online machine.
	RecordMetrics(ctx context.Context, machines []miner.MachineInfo, at time.Time) error
}

type noopStore struct{}

func (noopStore) UpsertMachines(context.Context, []miner.MachineInfo) error { return nil }
func (noopStore) RemoveMachines(context.Context, []string) error             { return nil }
func (noopStore) LoadMachines(context.Context) ([]miner.MachineInfo, error)  { return nil, nil }
func (noopStore) SaveSwitchRecord(context.Context, miner.SwitchRecord) error { return nil }
func (noopStore) LoadSwitchRecords(context.Context) ([]miner.SwitchRecord, error) {
	return nil, nil
}
func (noopStore) RecordMetrics(context.Context, []miner.MachineInfo, time.Time) error { return nil }
