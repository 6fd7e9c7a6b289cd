package miner

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Vendor identifies the device family an adapter speaks to.
type Vendor string

const (
	VendorAntminer Vendor = "antminer"
	VendorAvalon   Vendor = "avalon"
	VendorBlueStar Vendor = "bluestar"
	VendorUnknown  Vendor = "unknown"
)

// ParseVendor maps loose operator input (sheet cells, flags) to a Vendor.
func ParseVendor(raw string) Vendor {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "antminer", "ant", "bitmain", "蚂蚁":
		return VendorAntminer
	case "avalon", "canaan", "阿瓦隆":
		return VendorAvalon
	case "bluestar", "blue-star", "蓝星":
		return VendorBlueStar
	default:
		return VendorUnknown
	}
}

// Status is the last observed reachability of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// Metrics holds the health signals refreshed on every successful status query.
type Metrics struct {
	HashrateGHS    float64 `json:"hashrate_ghs"`
	AvgHashrateGHS float64 `json:"avg_hashrate_ghs"`
	TemperatureC   float64 `json:"temperature_c"`
	FanRPM         int     `json:"fan_rpm,omitempty"`
	PowerW         float64 `json:"power_w,omitempty"`
	ElapsedSec     int64   `json:"elapsed_sec"`
	WorkMode       string  `json:"work_mode,omitempty"`
}

// Report is what QueryStatus returns.
type Report struct {
	Model   string
	Metrics Metrics
}

// MachineInfo is one discovered device.
type MachineInfo struct {
	Address   string       `json:"address"`
	Vendor    Vendor       `json:"vendor"`
	Model     string       `json:"model,omitempty"`
	Status    Status       `json:"status"`
	Metrics   Metrics      `json:"metrics"`
	Pools     []PoolConfig `json:"pools"`
	LastError string       `json:"last_error,omitempty"`
	LastSeen  time.Time    `json:"last_seen"`
}

// Clone returns a copy that does not share the pools slice.
func (m MachineInfo) Clone() MachineInfo {
	out := m
	if m.Pools != nil {
		out.Pools = make([]PoolConfig, len(m.Pools))
		copy(out.Pools, m.Pools)
	}
	return out
}

// Primary returns the index-0 pool.
func (m MachineInfo) Primary() (PoolConfig, bool) {
	if len(m.Pools) == 0 {
		return PoolConfig{}, false
	}
	return m.Pools[0], true
}

// MarkOnline records a successful contact.
func (m *MachineInfo) MarkOnline(report Report, now time.Time) {
	if report.Model != "" {
		m.Model = report.Model
	}
	m.Metrics = report.Metrics
	m.Status = StatusOnline
	m.LastError = ""
	m.LastSeen = now
}

// MarkFailed records a failed contact; unreachable devices become offline,
// everything else is an error state.
func (m *MachineInfo) MarkFailed(err error) {
	if err == nil {
		return
	}
	if IsUnreachable(err) {
		m.Status = StatusOffline
	} else {
		m.Status = StatusError
	}
	m.LastError = err.Error()
}

// SwitchRecord remembers the last pool switch applied to a device.
type SwitchRecord struct {
	Address    string     `json:"address"`
	SwitchedAt time.Time  `json:"switched_at"`
	Target     PoolConfig `json:"target"`
}

// Adapter drives one vendor's native protocol. Implementations must bound
// every network call with a timeout and must not retry internally.
type Adapter interface {
	Vendor() Vendor
	// Identify is the lightweight classification probe. A reachable host of a
	// different vendor returns (false, nil).
	Identify(ctx context.Context, addr string) (bool, error)
	QueryStatus(ctx context.Context, addr string) (Report, error)
	GetPools(ctx context.Context, addr string) ([]PoolConfig, error)
	// SetPools replaces the full pool list.
	SetPools(ctx context.Context, addr string, pools []PoolConfig) error
	Reboot(ctx context.Context, addr string) error
}

// WorkMode is a device performance profile.
type WorkMode string

const (
	WorkModeNormal WorkMode = "normal"
	WorkModeHigh   WorkMode = "high"
)

// ParseWorkMode maps sheet cells and flags to a WorkMode; blank input
// returns "".
func ParseWorkMode(raw string) (WorkMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "normal", "普通", "0":
		return WorkModeNormal, nil
	case "high", "高功", "1":
		return WorkModeHigh, nil
	default:
		return "", errors.Errorf("unknown work mode %q", raw)
	}
}

// WorkModeSetter is implemented by adapters whose devices expose a
// switchable performance profile. A new mode takes effect on the next boot.
type WorkModeSetter interface {
	GetWorkMode(ctx context.Context, addr string) (WorkMode, error)
	SetWorkMode(ctx context.Context, addr string, mode WorkMode) error
}
