package mineragent

import (
	"sort"
	"strings"
	"sync"

	"github.com/httprunner/MinerAgent/pkg/miner"
)

// Inventory 维护已发现矿机的状态，按地址加锁。
//
// The map lock only guards membership; each entry carries its own mutex so
// updates to unrelated devices never contend. Readers always get copies.
type Inventory struct {
	mu      sync.RWMutex
	entries map[string]*inventoryEntry
}

type inventoryEntry struct {
	mu   sync.Mutex
	info miner.MachineInfo
}

func NewInventory() *Inventory {
	return &Inventory{entries: make(map[string]*inventoryEntry)}
}

func (inv *Inventory) entry(addr string) (*inventoryEntry, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	e, ok := inv.entries[addr]
	return e, ok
}

// Get returns a copy of the entry for addr.
func (inv *Inventory) Get(addr string) (miner.MachineInfo, bool) {
	e, ok := inv.entry(strings.TrimSpace(addr))
	if !ok {
		return miner.MachineInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Clone(), true
}

// Upsert stores a freshly classified device, replacing any previous entry.
// This is the only path allowed to change a device's vendor.
func (inv *Inventory) Upsert(info miner.MachineInfo) miner.MachineInfo {
	info.Address = strings.TrimSpace(info.Address)
	info = info.Clone()
	inv.mu.Lock()
	e, ok := inv.entries[info.Address]
	if !ok {
		e = &inventoryEntry{}
		inv.entries[info.Address] = e
	}
	inv.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.info = info
	return e.info.Clone()
}

// Update applies fn to the entry for addr atomically. The vendor is restored
// if fn changed it.
func (inv *Inventory) Update(addr string, fn func(*miner.MachineInfo)) (miner.MachineInfo, bool) {
	e, ok := inv.entry(strings.TrimSpace(addr))
	if !ok {
		return miner.MachineInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vendor := e.info.Vendor
	next := e.info.Clone()
	fn(&next)
	next.Address = e.info.Address
	next.Vendor = vendor
	e.info = next
	return e.info.Clone(), true
}

// Remove drops addr. Only a re-scan that no longer observes the device calls it.
func (inv *Inventory) Remove(addr string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	addr = strings.TrimSpace(addr)
	if _, ok := inv.entries[addr]; !ok {
		return false
	}
	delete(inv.entries, addr)
	return true
}

// Addresses returns all known addresses, sorted.
func (inv *Inventory) Addresses() []string {
	inv.mu.RLock()
	out := make([]string, 0, len(inv.entries))
	for addr := range inv.entries {
		out = append(out, addr)
	}
	inv.mu.RUnlock()
	sort.Strings(out)
	return out
}

// List returns copies of every entry, sorted by address.
func (inv *Inventory) List() []miner.MachineInfo {
	addrs := inv.Addresses()
	out := make([]miner.MachineInfo, 0, len(addrs))
	for _, addr := range addrs {
		if info, ok := inv.Get(addr); ok {
			out = append(out, info)
		}
	}
	return out
}

func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.entries)
}

// markFailed records a failed contact when addr is known.
func (inv *Inventory) markFailed(addr string, err error) {
	inv.Update(addr, func(m *miner.MachineInfo) { m.MarkFailed(err) })
}
