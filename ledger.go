package mineragent

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

// SwitchLedger keeps the last switch per device for cooldown checks. A
// per-device lock serialises fetch, compare, set and record for one device
// while leaving other devices untouched.
type SwitchLedger struct {
	mu      sync.Mutex
	records map[string]miner.SwitchRecord
	locks   map[string]*deviceLock
}

// deviceLock is dropped from the ledger once no caller holds or waits on it.
type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func NewSwitchLedger() *SwitchLedger {
	return &SwitchLedger{
		records: make(map[string]miner.SwitchRecord),
		locks:   make(map[string]*deviceLock),
	}
}

// lock acquires the per-device lock and returns its release func.
func (l *SwitchLedger) lock(addr string) func() {
	addr = strings.TrimSpace(addr)
	l.mu.Lock()
	dl, ok := l.locks[addr]
	if !ok {
		dl = &deviceLock{}
		l.locks[addr] = dl
	}
	dl.refs++
	l.mu.Unlock()
	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		if dl.refs--; dl.refs == 0 {
			delete(l.locks, addr)
		}
		l.mu.Unlock()
	}
}

func (l *SwitchLedger) Get(addr string) (miner.SwitchRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[strings.TrimSpace(addr)]
	return rec, ok
}

// Record stores rec, replacing older state for the same device.
func (l *SwitchLedger) Record(rec miner.SwitchRecord) {
	rec.Address = strings.TrimSpace(rec.Address)
	if rec.Address == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.records[rec.Address]; ok && prev.SwitchedAt.After(rec.SwitchedAt) {
		return
	}
	l.records[rec.Address] = rec
}

// InCooldown reports whether addr switched less than cooldown ago.
func (l *SwitchLedger) InCooldown(addr string, now time.Time, cooldown time.Duration) (miner.SwitchRecord, bool) {
	if cooldown <= 0 {
		return miner.SwitchRecord{}, false
	}
	rec, ok := l.Get(addr)
	if !ok {
		return miner.SwitchRecord{}, false
	}
	return rec, now.Sub(rec.SwitchedAt) < cooldown
}

// Prune forgets records older than maxAge; they can no longer block a switch.
func (l *SwitchLedger) Prune(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for addr, rec := range l.records {
		if rec.SwitchedAt.Before(cutoff) {
			delete(l.records, addr)
			removed++
		}
	}
	return removed
}

// Records returns all records sorted by address.
func (l *SwitchLedger) Records() []miner.SwitchRecord {
	l.mu.Lock()
	out := make([]miner.SwitchRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
