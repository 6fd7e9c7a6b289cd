package mineragent

import (
	"context"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
)

// stubDevice is one simulated miner behind a stubAdapter.
type stubDevice struct {
	model       string
	metrics     miner.Metrics
	pools       []miner.PoolConfig
	unreachable bool
	dialFail    bool
	setErr      error
	rebootErr   error
	// rebootFailures makes the first n reboots fail with a dial error.
	rebootFailures int
	block          chan struct{}
}

type stubAdapter struct {
	vendor miner.Vendor

	mu       sync.Mutex
	devices  map[string]*stubDevice
	calls    map[string]int
	setCalls map[string]int
	reboots  map[string]int
}

func newStubAdapter(vendor miner.Vendor) *stubAdapter {
	return &stubAdapter{
		vendor:   vendor,
		devices:  make(map[string]*stubDevice),
		calls:    make(map[string]int),
		setCalls: make(map[string]int),
		reboots:  make(map[string]int),
	}
}

func (a *stubAdapter) add(addr string, d *stubDevice) *stubAdapter {
	a.mu.Lock()
	a.devices[addr] = d
	a.mu.Unlock()
	return a
}

func (a *stubAdapter) device(op, addr string) (*stubDevice, error) {
	a.mu.Lock()
	a.calls[op+" "+addr]++
	d, ok := a.devices[addr]
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if d.block != nil {
		<-d.block
	}
	if d.unreachable {
		return nil, &miner.Error{Kind: miner.ErrUnreachable, Op: op, Addr: addr, Err: context.DeadlineExceeded, Dial: d.dialFail}
	}
	return d, nil
}

func (a *stubAdapter) callCount(op, addr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op+" "+addr]
}

func (a *stubAdapter) Vendor() miner.Vendor { return a.vendor }

func (a *stubAdapter) Identify(ctx context.Context, addr string) (bool, error) {
	d, err := a.device("identify", addr)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}

func (a *stubAdapter) QueryStatus(ctx context.Context, addr string) (miner.Report, error) {
	d, err := a.device("status", addr)
	if err != nil {
		return miner.Report{}, err
	}
	if d == nil {
		return miner.Report{}, miner.Protocolf("status", addr, "not a %s device", a.vendor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return miner.Report{Model: d.model, Metrics: d.metrics}, nil
}

func (a *stubAdapter) GetPools(ctx context.Context, addr string) ([]miner.PoolConfig, error) {
	d, err := a.device("get_pools", addr)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, miner.Protocolf("pools", addr, "not a %s device", a.vendor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]miner.PoolConfig, len(d.pools))
	copy(out, d.pools)
	return out, nil
}

func (a *stubAdapter) SetPools(ctx context.Context, addr string, pools []miner.PoolConfig) error {
	d, err := a.device("set_pools", addr)
	if err != nil {
		return err
	}
	if d == nil {
		return miner.Protocolf("set pools", addr, "not a %s device", a.vendor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setCalls[addr]++
	if d.setErr != nil {
		return d.setErr
	}
	d.pools = miner.NormalizePools(pools)
	return nil
}

func (a *stubAdapter) Reboot(ctx context.Context, addr string) error {
	d, err := a.device("reboot", addr)
	if err != nil {
		return err
	}
	if d == nil {
		return miner.Protocolf("reboot", addr, "not a %s device", a.vendor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reboots[addr]++
	if d.rebootFailures > 0 {
		d.rebootFailures--
		return &miner.Error{Kind: miner.ErrUnreachable, Op: "reboot", Addr: addr, Err: errors.New("connection refused"), Dial: true}
	}
	return d.rebootErr
}

func (a *stubAdapter) setUnreachable(addr string, v bool) {
	a.mu.Lock()
	a.devices[addr].unreachable = v
	a.mu.Unlock()
}

func (a *stubAdapter) setMetrics(addr string, m miner.Metrics) {
	a.mu.Lock()
	a.devices[addr].metrics = m
	a.mu.Unlock()
}

// modeAdapter adds a switchable work mode to stubAdapter and records the
// order of writes.
type modeAdapter struct {
	*stubAdapter
	modes map[string]miner.WorkMode
	ops   map[string][]string
}

func newModeAdapter(a *stubAdapter) *modeAdapter {
	return &modeAdapter{stubAdapter: a, modes: make(map[string]miner.WorkMode), ops: make(map[string][]string)}
}

func (a *modeAdapter) GetWorkMode(ctx context.Context, addr string) (miner.WorkMode, error) {
	if _, err := a.device("get_work_mode", addr); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modes[addr], nil
}

func (a *modeAdapter) SetWorkMode(ctx context.Context, addr string, mode miner.WorkMode) error {
	if _, err := a.device("set_work_mode", addr); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes[addr] = mode
	a.ops[addr] = append(a.ops[addr], "set_work_mode="+string(mode))
	return nil
}

func (a *modeAdapter) SetPools(ctx context.Context, addr string, pools []miner.PoolConfig) error {
	if err := a.stubAdapter.SetPools(ctx, addr, pools); err != nil {
		return err
	}
	a.mu.Lock()
	a.ops[addr] = append(a.ops[addr], "set_pools")
	a.mu.Unlock()
	return nil
}

func (a *modeAdapter) opsFor(addr string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops[addr]...)
}

type memoryStore struct {
	mu       sync.Mutex
	machines map[string]miner.MachineInfo
	records  []miner.SwitchRecord
	samples  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{machines: make(map[string]miner.MachineInfo)}
}

func (s *memoryStore) UpsertMachines(ctx context.Context, machines []miner.MachineInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range machines {
		s.machines[m.Address] = m.Clone()
	}
	return nil
}

func (s *memoryStore) RemoveMachines(ctx context.Context, addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		delete(s.machines, a)
	}
	return nil
}

func (s *memoryStore) LoadMachines(ctx context.Context) ([]miner.MachineInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]miner.MachineInfo, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *memoryStore) SaveSwitchRecord(ctx context.Context, rec miner.SwitchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) LoadSwitchRecords(ctx context.Context) ([]miner.SwitchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]miner.SwitchRecord(nil), s.records...), nil
}

func (s *memoryStore) RecordMetrics(ctx context.Context, machines []miner.MachineInfo, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples += len(machines)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func pool(url, account string) miner.PoolConfig {
	return miner.PoolConfig{URL: url, Account: account}
}
