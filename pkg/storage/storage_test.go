package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "miners.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMachinesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	machines := []miner.MachineInfo{
		{
			Address: "10.0.0.2", Vendor: miner.VendorAvalon, Model: "1246", Status: miner.StatusOnline,
			Metrics:  miner.Metrics{HashrateGHS: 81000, TemperatureC: 75, PowerW: 3420},
			Pools:    []miner.PoolConfig{{URL: "stratum+tcp://pool1:3333", Account: "acme.0x2", Password: "x"}},
			LastSeen: seen,
		},
		{
			Address: "10.0.0.1", Vendor: miner.VendorAntminer, Status: miner.StatusOffline,
			Pools: []miner.PoolConfig{{URL: "pool1:3333", Account: "acme"}}, LastError: "status 10.0.0.1: unreachable",
		},
	}
	if err := store.UpsertMachines(ctx, machines); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	machines[1].Status = miner.StatusOnline
	machines[1].LastError = ""
	if err := store.UpsertMachines(ctx, machines[1:]); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	loaded, err := store.LoadMachines(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Address != "10.0.0.1" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded[0].Status != miner.StatusOnline || loaded[0].LastError != "" {
		t.Fatalf("upsert did not replace state: %+v", loaded[0])
	}
	got := loaded[1]
	if got.Model != "1246" || got.Metrics.PowerW != 3420 || len(got.Pools) != 1 || got.Pools[0].Password != "x" {
		t.Fatalf("machine fields lost: %+v", got)
	}
	if !got.LastSeen.Equal(seen) {
		t.Fatalf("last seen = %v, want %v", got.LastSeen, seen)
	}

	if err := store.RemoveMachines(ctx, []string{"10.0.0.1", "missing"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	loaded, _ = store.LoadMachines(ctx)
	if len(loaded) != 1 || loaded[0].Address != "10.0.0.2" {
		t.Fatalf("after remove = %+v", loaded)
	}
}

func TestSwitchRecordsLatestPerDevice(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	recs := []miner.SwitchRecord{
		{Address: "a", SwitchedAt: base, Target: miner.PoolConfig{URL: "p1", Account: "x"}},
		{Address: "a", SwitchedAt: base.Add(time.Hour), Target: miner.PoolConfig{URL: "p2", Account: "x"}},
		{Address: "b", SwitchedAt: base, Target: miner.PoolConfig{URL: "p1", Account: "y"}},
	}
	for _, rec := range recs {
		if err := store.SaveSwitchRecord(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	latest, err := store.LoadSwitchRecords(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(latest) != 2 || latest[0].Target.URL != "p2" || latest[1].Address != "b" {
		t.Fatalf("latest = %+v", latest)
	}
	if !latest[0].SwitchedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("switched at = %v", latest[0].SwitchedAt)
	}

	history, err := store.SwitchHistory(ctx, "a", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Target.URL != "p2" {
		t.Fatalf("history = %+v", history)
	}
	all, _ := store.SwitchHistory(ctx, "", 2)
	if len(all) != 2 {
		t.Fatalf("limit ignored: %d", len(all))
	}
}

func TestMetricRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := miner.MachineInfo{Address: "a", Vendor: miner.VendorAntminer, Status: miner.StatusOnline}
	for i := 0; i < 4; i++ {
		m.Metrics.HashrateGHS = float64(100 + i)
		if err := store.RecordMetrics(ctx, []miner.MachineInfo{m}, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	other := miner.MachineInfo{Address: "b", Vendor: miner.VendorAvalon, Status: miner.StatusOffline}
	if err := store.RecordMetrics(ctx, []miner.MachineInfo{other}, base); err != nil {
		t.Fatalf("record other: %v", err)
	}

	recs, err := store.QueryRecords(ctx, "a", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 || recs[0].Metrics.HashrateGHS != 101 || recs[1].Metrics.HashrateGHS != 102 {
		t.Fatalf("records = %+v", recs)
	}
	all, _ := store.QueryRecords(ctx, "", time.Time{}, time.Time{})
	if len(all) != 5 {
		t.Fatalf("all records = %d", len(all))
	}

	deleted, err := store.ClearRecordsBefore(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d", deleted)
	}
	all, _ = store.QueryRecords(ctx, "", time.Time{}, time.Time{})
	if len(all) != 2 || !all[0].RecordedAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("remaining = %+v", all)
	}
}

func TestResolveDatabasePathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom", "db.sqlite")
	t.Setenv(EnvDBPath, path)
	got, err := ResolveDatabasePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != path {
		t.Fatalf("path = %s", got)
	}
	store, err := Open("")
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	defer store.Close()
	if store.Path() != path {
		t.Fatalf("store path = %s", store.Path())
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked message", errString("database is locked (5)"), true},
		{"busy code", errString("SQLITE_BUSY: busy"), true},
		{"other", errString("some other error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithBusyRetry(t *testing.T) {
	attempts := 0
	err := withBusyRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errString("database is locked")
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
	attempts = 0
	err = withBusyRetry(context.Background(), func() error {
		attempts++
		return errString("constraint failed")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("non-busy errors must not retry: err=%v attempts=%d", err, attempts)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
