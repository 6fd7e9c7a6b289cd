package mineragent

import (
	"context"
	"testing"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
)

func newTestFleet(t *testing.T, clock *fakeClock, store Store, adapters ...miner.Adapter) *Fleet {
	t.Helper()
	registry, err := NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	f, err := New(Config{Registry: registry, Store: store, Clock: clock.Now, Sleep: noSleep})
	if err != nil {
		t.Fatalf("new fleet: %v", err)
	}
	return f
}

func TestSwitchIfNeededMixedFleet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("A", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "userX")}}).
		add("B", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "userY")}}).
		add("C", &stubDevice{unreachable: true})
	store := newMemoryStore()
	f := newTestFleet(t, clock, store, adapter)

	outcomes, err := f.SwitchIfNeeded(context.Background(), []string{"A", "B", "C"},
		[]miner.PoolConfig{pool("pool1", "userX")}, SwitchPolicy{Cooldown: 10 * time.Minute})
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d: %v", len(outcomes), outcomes)
	}
	if got := outcomes["A"].Kind; got != OutcomeNoOpAlready {
		t.Fatalf("A outcome = %s", outcomes["A"])
	}
	if got := outcomes["B"].Kind; got != OutcomeSwitched {
		t.Fatalf("B outcome = %s", outcomes["B"])
	}
	c := outcomes["C"]
	if c.Kind != OutcomeFailed || !miner.IsUnreachable(c.Err) {
		t.Fatalf("C outcome = %s (%v)", c, c.Err)
	}
	if c.Attempts != defaultFetchAttempts {
		t.Fatalf("C attempts = %d, want %d", c.Attempts, defaultFetchAttempts)
	}

	pools, err := adapter.GetPools(context.Background(), "B")
	if err != nil {
		t.Fatalf("get pools B: %v", err)
	}
	if len(pools) == 0 || !miner.SamePool(pools[0], pool("pool1", "userX")) || pools[0].Priority != 0 {
		t.Fatalf("B pools after switch = %v", pools)
	}
	if adapter.setCalls["A"] != 0 {
		t.Fatalf("A must not receive SetPools, got %d calls", adapter.setCalls["A"])
	}
	if n := adapter.callCount("set_pools", "C"); n != 0 {
		t.Fatalf("C must not receive SetPools, got %d calls", n)
	}
	if rec, ok := f.Ledger().Get("B"); !ok || !rec.SwitchedAt.Equal(clock.Now()) {
		t.Fatalf("ledger record for B missing or wrong: %+v", rec)
	}
	if _, ok := f.Ledger().Get("A"); ok {
		t.Fatal("no-op device must not get a switch record")
	}
	if len(store.records) != 1 || store.records[0].Address != "B" {
		t.Fatalf("persisted records = %+v", store.records)
	}

	err = outcomes.Err()
	if !errors.Is(err, ErrPartialFleetFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	var pf *PartialFleetError
	if !errors.As(err, &pf) || len(pf.Failed) != 1 || pf.Failed[0] != "C" || pf.Total != 3 {
		t.Fatalf("partial failure = %+v", pf)
	}
}

func TestSwitchCooldownSuppressesFlapping(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	adapter := newStubAdapter(miner.VendorAvalon).
		add("B", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "userY")}})
	f := newTestFleet(t, clock, nil, adapter)
	policy := SwitchPolicy{Cooldown: 10 * time.Minute}
	ctx := context.Background()

	out, _ := f.SwitchIfNeeded(ctx, []string{"B"}, []miner.PoolConfig{pool("pool1", "userX")}, policy)
	if out["B"].Kind != OutcomeSwitched {
		t.Fatalf("first switch = %s", out["B"])
	}

	clock.Advance(time.Minute)
	out, _ = f.SwitchIfNeeded(ctx, []string{"B"}, []miner.PoolConfig{pool("pool3", "userZ")}, policy)
	if out["B"].Kind != OutcomeSkipped || out["B"].Reason != SkipCooldown {
		t.Fatalf("switch inside cooldown = %s", out["B"])
	}
	if adapter.setCalls["B"] != 1 {
		t.Fatalf("cooldown must not call SetPools, calls=%d", adapter.setCalls["B"])
	}

	clock.Advance(10 * time.Minute)
	out, _ = f.SwitchIfNeeded(ctx, []string{"B"}, []miner.PoolConfig{pool("pool3", "userZ")}, policy)
	if out["B"].Kind != OutcomeSwitched {
		t.Fatalf("switch after cooldown = %s", out["B"])
	}
	if out["B"].Previous == nil || out["B"].Previous.URL != "pool1" {
		t.Fatalf("previous primary = %+v", out["B"].Previous)
	}
}

func TestSwitchZeroCooldownAndIdempotence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorBlueStar).
		add("B", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "userY")}})
	f := newTestFleet(t, clock, nil, adapter)
	f.Inventory().Upsert(miner.MachineInfo{Address: "B", Vendor: miner.VendorBlueStar, Status: miner.StatusOnline})
	ctx := context.Background()
	desired := []miner.PoolConfig{pool("pool1", "userX"), pool("pool2", "userY")}

	for i, want := range []OutcomeKind{OutcomeSwitched, OutcomeNoOpAlready, OutcomeNoOpAlready} {
		out, err := f.SwitchIfNeeded(ctx, []string{"B"}, desired, SwitchPolicy{})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if out["B"].Kind != want {
			t.Fatalf("run %d: outcome %s, want %s", i, out["B"], want)
		}
	}
	if adapter.setCalls["B"] != 1 {
		t.Fatalf("SetPools calls = %d, want 1", adapter.setCalls["B"])
	}
	info, ok := f.Inventory().Get("B")
	if !ok || len(info.Pools) != 2 || info.Pools[1].URL != "pool2" || info.Pools[1].Priority != 1 {
		t.Fatalf("inventory pools = %+v", info.Pools)
	}
}

func TestSwitchReorderedPoolIsNotASwitch(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("A", &stubDevice{pools: []miner.PoolConfig{{URL: "stratum+tcp://Pool1", Account: "userX", Priority: 3}}})
	f := newTestFleet(t, clock, nil, adapter)

	out, _ := f.SwitchIfNeeded(context.Background(), []string{"A"}, []miner.PoolConfig{pool("pool1", "userX")}, SwitchPolicy{})
	if out["A"].Kind != OutcomeNoOpAlready {
		t.Fatalf("outcome = %s", out["A"])
	}
}

func TestSwitchWorkerNamerAndAccountEquality(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("10.0.12.34", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "acme.old")}})
	f := newTestFleet(t, clock, nil, adapter)
	policy := SwitchPolicy{WorkerNamer: miner.IPWorkerNamer, Equal: miner.SameAccount}

	out, _ := f.SwitchIfNeeded(context.Background(), []string{"10.0.12.34"}, []miner.PoolConfig{pool("pool1", "acme")}, policy)
	if out["10.0.12.34"].Kind != OutcomeNoOpAlready {
		t.Fatalf("same account base should be a no-op, got %s", out["10.0.12.34"])
	}

	out, _ = f.SwitchIfNeeded(context.Background(), []string{"10.0.12.34"}, []miner.PoolConfig{pool("pool1", "other")}, policy)
	if out["10.0.12.34"].Kind != OutcomeSwitched {
		t.Fatalf("outcome = %s", out["10.0.12.34"])
	}
	pools, _ := adapter.GetPools(context.Background(), "10.0.12.34")
	if pools[0].Account != "other.12x34" {
		t.Fatalf("worker name = %q", pools[0].Account)
	}
}

func TestSwitchSetPoolsFailureIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("bad", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}, setErr: miner.Unauthorized("set pools", "bad")}).
		add("good", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}})
	f := newTestFleet(t, clock, nil, adapter)
	f.Inventory().Upsert(miner.MachineInfo{Address: "bad", Vendor: miner.VendorAntminer, Status: miner.StatusOnline})

	out, err := f.SwitchIfNeeded(context.Background(), []string{"bad", "good", "good"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{})
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("duplicate targets must collapse, got %v", out)
	}
	if out["bad"].Kind != OutcomeFailed || !miner.IsUnauthorized(out["bad"].Err) {
		t.Fatalf("bad outcome = %s", out["bad"])
	}
	if out["bad"].Attempts != 1 {
		t.Fatalf("non-network failures must not retry, attempts=%d", out["bad"].Attempts)
	}
	if out["good"].Kind != OutcomeSwitched {
		t.Fatalf("good outcome = %s", out["good"])
	}
	if _, ok := f.Ledger().Get("bad"); ok {
		t.Fatal("failed switch must not be recorded")
	}
	info, _ := f.Inventory().Get("bad")
	if info.Status != miner.StatusError || info.LastError == "" {
		t.Fatalf("bad inventory entry = %+v", info)
	}
}

func TestSwitchRecoversAfterTransientFetchFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("flaky", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}, unreachable: true})
	registry, _ := NewRegistry(adapter)
	sleeps := 0
	f, _ := New(Config{Registry: registry, Clock: clock.Now, Sleep: func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d != time.Duration(sleeps)*defaultFetchBackoff {
			t.Errorf("backoff %d = %v", sleeps, d)
		}
		adapter.setUnreachable("flaky", false)
		return nil
	}})

	out, _ := f.SwitchIfNeeded(context.Background(), []string{"flaky"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{})
	if out["flaky"].Kind != OutcomeSwitched || out["flaky"].Attempts != 2 {
		t.Fatalf("outcome = %s attempts=%d", out["flaky"], out["flaky"].Attempts)
	}
	if sleeps != 1 {
		t.Fatalf("sleeps = %d", sleeps)
	}
}

func TestSwitchSkipOfflineAndValidation(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("off", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}})
	f := newTestFleet(t, clock, nil, adapter)
	f.Inventory().Upsert(miner.MachineInfo{Address: "off", Vendor: miner.VendorAntminer, Status: miner.StatusOffline})

	out, _ := f.SwitchIfNeeded(context.Background(), []string{"off"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{SkipOffline: true})
	if out["off"].Kind != OutcomeSkipped || out["off"].Reason != SkipUnreachable {
		t.Fatalf("outcome = %s", out["off"])
	}
	if n := adapter.callCount("get_pools", "off"); n != 0 {
		t.Fatalf("skip offline must not touch the device, calls=%d", n)
	}

	if _, err := f.SwitchIfNeeded(context.Background(), []string{"off"}, nil, SwitchPolicy{}); err == nil {
		t.Fatal("expected error for empty desired pools")
	}
	if _, err := f.SwitchIfNeeded(context.Background(), []string{"bad addr"}, []miner.PoolConfig{pool("p", "u")}, SwitchPolicy{}); err == nil {
		t.Fatal("expected error for malformed target")
	}
	for _, targets := range [][]string{nil, {" ", ""}} {
		out, err := f.SwitchIfNeeded(context.Background(), targets, []miner.PoolConfig{pool("p", "u")}, SwitchPolicy{})
		if err == nil || out != nil {
			t.Fatalf("targets %q: expected error, got out=%v err=%v", targets, out, err)
		}
	}
	if _, err := f.SwitchIfNeeded(context.Background(), []string{"off"}, []miner.PoolConfig{pool("p", "u")}, SwitchPolicy{WorkMode: "turbo"}); err == nil {
		t.Fatal("expected error for unknown work mode")
	}
}

func TestSwitchDeadlineDuringBackoffKeepsUnreachable(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("C", &stubDevice{unreachable: true})
	registry, _ := NewRegistry(adapter)
	f, _ := New(Config{Registry: registry, Clock: clock.Now, Sleep: func(ctx context.Context, d time.Duration) error {
		return context.DeadlineExceeded
	}})
	f.Inventory().Upsert(miner.MachineInfo{Address: "C", Vendor: miner.VendorAntminer, Status: miner.StatusOnline})

	out, err := f.SwitchIfNeeded(context.Background(), []string{"C"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{})
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	c := out["C"]
	if c.Kind != OutcomeFailed || !miner.IsUnreachable(c.Err) || c.Attempts != 1 {
		t.Fatalf("C outcome = %s attempts=%d (%v)", c, c.Attempts, c.Err)
	}
	info, _ := f.Inventory().Get("C")
	if info.Status != miner.StatusOffline {
		t.Fatalf("C status = %s, want offline", info.Status)
	}
}

func TestSwitchCancelledBeforeStart(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("A", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}}).
		add("B", &stubDevice{pools: []miner.PoolConfig{pool("pool2", "u")}})
	f := newTestFleet(t, clock, nil, adapter)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.SwitchIfNeeded(ctx, []string{"A", "B"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{})
	if err != nil {
		t.Fatalf("cancelled run must still return outcomes: %v", err)
	}
	for _, addr := range []string{"A", "B"} {
		if out[addr].Kind != OutcomeSkipped || out[addr].Reason != SkipCancelled {
			t.Fatalf("%s outcome = %s", addr, out[addr])
		}
	}
	if adapter.setCalls["A"]+adapter.setCalls["B"] != 0 {
		t.Fatal("cancelled run must not mutate devices")
	}
}

func TestConfigureForcesApply(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("A", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "u")}})
	f := newTestFleet(t, clock, nil, adapter)
	f.Ledger().Record(miner.SwitchRecord{Address: "A", SwitchedAt: clock.Now(), Target: pool("pool1", "u")})

	n, out, err := f.Configure(context.Background(), []string{"A"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{Cooldown: time.Hour})
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if n != 1 || out["A"].Kind != OutcomeSwitched || adapter.setCalls["A"] != 1 {
		t.Fatalf("configure n=%d outcome=%s calls=%d", n, out["A"], adapter.setCalls["A"])
	}
}

func TestSwitchAppliesWorkModeBeforePools(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newModeAdapter(newStubAdapter(miner.VendorAvalon).
		add("A", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "u")}}).
		add("B", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "u")}}))
	adapter.modes["A"] = miner.WorkModeNormal
	adapter.modes["B"] = miner.WorkModeHigh
	f := newTestFleet(t, clock, nil, adapter)
	policy := SwitchPolicy{Cooldown: time.Hour, WorkMode: miner.WorkModeHigh}

	out, err := f.SwitchIfNeeded(context.Background(), []string{"A", "B"}, []miner.PoolConfig{pool("pool1", "u")}, policy)
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if out["A"].Kind != OutcomeSwitched {
		t.Fatalf("mode mismatch must switch, A outcome = %s", out["A"])
	}
	if out["B"].Kind != OutcomeNoOpAlready {
		t.Fatalf("B outcome = %s", out["B"])
	}
	if got := adapter.opsFor("A"); len(got) != 2 || got[0] != "set_work_mode=high" || got[1] != "set_pools" {
		t.Fatalf("A ops = %v", got)
	}
	if got := adapter.opsFor("B"); len(got) != 0 {
		t.Fatalf("B ops = %v", got)
	}

	// the mode change is a switch for cooldown purposes
	adapter.modes["A"] = miner.WorkModeNormal
	out, _ = f.SwitchIfNeeded(context.Background(), []string{"A"}, []miner.PoolConfig{pool("pool1", "u")}, policy)
	if out["A"].Kind != OutcomeSkipped || out["A"].Reason != SkipCooldown {
		t.Fatalf("A second outcome = %s", out["A"])
	}

	// without a requested mode the device mode is left alone
	out, _ = f.SwitchIfNeeded(context.Background(), []string{"A"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{})
	if out["A"].Kind != OutcomeNoOpAlready {
		t.Fatalf("A outcome without mode = %s", out["A"])
	}
}

func TestSwitchWorkModeIgnoredWithoutCapability(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newStubAdapter(miner.VendorAntminer).
		add("A", &stubDevice{pools: []miner.PoolConfig{pool("pool1", "u")}})
	f := newTestFleet(t, clock, nil, adapter)

	out, _ := f.SwitchIfNeeded(context.Background(), []string{"A"}, []miner.PoolConfig{pool("pool1", "u")}, SwitchPolicy{WorkMode: miner.WorkModeHigh})
	if out["A"].Kind != OutcomeNoOpAlready || adapter.setCalls["A"] != 0 {
		t.Fatalf("A outcome = %s set calls=%d", out["A"], adapter.setCalls["A"])
	}
}
