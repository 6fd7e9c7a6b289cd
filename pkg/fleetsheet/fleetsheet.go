// Package fleetsheet loads a fleet plan from a Feishu spreadsheet: which
// machines exist, what pools each account mines on, and which account is
// active at a given time of day. An optional perf-time sheet adds the
// performance profile machines should run in each window.
package fleetsheet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AccountKind selects which account column of the machine sheet is active.
type AccountKind string

const (
	AccountMain   AccountKind = "main"
	AccountSwitch AccountKind = "switch"
)

const (
	defaultPoolPassword = "auto"
	onlineStatus        = "上线"
	poolsPerType        = 3
)

// machine sheet columns
const (
	colVendor        = 0
	colPosition      = 2
	colAddress       = 3
	colStatus        = 4
	colAccount       = 8
	colPoolType      = 9
	colSwitchAccount = 10
	colSwitchPool    = 11
	colMainMode      = 12
	colSwitchMode    = 13
	colNote          = 14
)

// ValuesFetcher reads a sheets v2 value range. *feishusdk.Client satisfies it.
type ValuesFetcher interface {
	FetchRange(ctx context.Context, spreadsheetToken, rangeStr string) ([][]string, error)
}

// Options names the sheets inside one spreadsheet.
type Options struct {
	SpreadsheetToken string
	MachineSheets    []string
	PoolSheet        string
	AccountTimeSheet string
	// PerfTimeSheet enables work-mode planning when set.
	PerfTimeSheet string
	// Password is written to every pool entry; defaults to "auto".
	Password string
	// Location interprets account windows; defaults to time.Local.
	Location *time.Location
}

// Account is a named mining account bound to its pool list.
type Account struct {
	Name  string             `json:"name"`
	Pools []miner.PoolConfig `json:"pools"`
	// Mode is the highest profile this account may run.
	Mode miner.WorkMode `json:"mode,omitempty"`
}

// Machine is one usable row of a machine sheet.
type Machine struct {
	Address  string       `json:"address"`
	Vendor   miner.Vendor `json:"vendor"`
	Position string       `json:"position,omitempty"`
	Online   bool         `json:"online"`
	Main     Account      `json:"main"`
	Switch   *Account     `json:"switch,omitempty"`
	Note     string       `json:"note,omitempty"`
}

// Window is one row of the account-time sheet, inclusive on both ends.
// Start after End wraps midnight.
type Window struct {
	Kind  AccountKind   `json:"kind"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Contains reports whether the wall clock of t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return spanContains(w.Start, w.End, t)
}

// ModeWindow is one row of the perf-time sheet.
type ModeWindow struct {
	Mode  miner.WorkMode `json:"mode"`
	Start time.Duration  `json:"start"`
	End   time.Duration  `json:"end"`
}

func (w ModeWindow) Contains(t time.Time) bool {
	return spanContains(w.Start, w.End, t)
}

func spanContains(start, end time.Duration, t time.Time) bool {
	clock := sinceMidnight(t)
	if start <= end {
		return clock >= start && clock <= end
	}
	return clock >= start || clock <= end
}

// Snapshot is everything read from the spreadsheet in one load.
type Snapshot struct {
	Machines  []Machine           `json:"machines"`
	PoolTypes map[string][]string `json:"pool_types"`
	Windows   []Window            `json:"windows"`
	// ModeWindows is nil when no perf-time sheet is configured.
	ModeWindows []ModeWindow `json:"mode_windows,omitempty"`

	location *time.Location
}

// Group is a set of machines that should all mine on Desired.
type Group struct {
	Kind    AccountKind        `json:"kind"`
	Vendor  miner.Vendor       `json:"vendor"`
	Desired []miner.PoolConfig `json:"desired"`
	// WorkMode is empty when work modes are not planned.
	WorkMode miner.WorkMode `json:"work_mode,omitempty"`
	Targets  []string       `json:"targets"`
}

// Source reads fleet snapshots on demand.
type Source struct {
	fetcher ValuesFetcher
	opts    Options
}

// New validates opts and returns a Source.
func New(fetcher ValuesFetcher, opts Options) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("fleetsheet: fetcher is nil")
	}
	opts.SpreadsheetToken = strings.TrimSpace(opts.SpreadsheetToken)
	if opts.SpreadsheetToken == "" {
		return nil, errors.New("fleetsheet: spreadsheet token is required")
	}
	var sheets []string
	for _, s := range opts.MachineSheets {
		if s = strings.TrimSpace(s); s != "" {
			sheets = append(sheets, s)
		}
	}
	if len(sheets) == 0 {
		return nil, errors.New("fleetsheet: at least one machine sheet is required")
	}
	opts.MachineSheets = sheets
	opts.PoolSheet = strings.TrimSpace(opts.PoolSheet)
	opts.AccountTimeSheet = strings.TrimSpace(opts.AccountTimeSheet)
	opts.PerfTimeSheet = strings.TrimSpace(opts.PerfTimeSheet)
	if opts.PoolSheet == "" || opts.AccountTimeSheet == "" {
		return nil, errors.New("fleetsheet: pool sheet and account time sheet are required")
	}
	if strings.TrimSpace(opts.Password) == "" {
		opts.Password = defaultPoolPassword
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Source{fetcher: fetcher, opts: opts}, nil
}

// Load reads the pool, account-time and machine sheets.
func (s *Source) Load(ctx context.Context) (*Snapshot, error) {
	poolRows, err := s.fetcher.FetchRange(ctx, s.opts.SpreadsheetToken, s.opts.PoolSheet)
	if err != nil {
		return nil, errors.Wrap(err, "fleetsheet: read pool sheet failed")
	}
	poolTypes := parsePoolTypes(poolRows)

	windowRows, err := s.fetcher.FetchRange(ctx, s.opts.SpreadsheetToken, s.opts.AccountTimeSheet)
	if err != nil {
		return nil, errors.Wrap(err, "fleetsheet: read account time sheet failed")
	}
	windows, err := parseWindows(windowRows)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{PoolTypes: poolTypes, Windows: windows, location: s.opts.Location}
	if s.opts.PerfTimeSheet != "" {
		perfRows, err := s.fetcher.FetchRange(ctx, s.opts.SpreadsheetToken, s.opts.PerfTimeSheet)
		if err != nil {
			return nil, errors.Wrap(err, "fleetsheet: read perf time sheet failed")
		}
		if snap.ModeWindows, err = parseModeWindows(perfRows); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{})
	for _, sheet := range s.opts.MachineSheets {
		rows, err := s.fetcher.FetchRange(ctx, s.opts.SpreadsheetToken, sheet)
		if err != nil {
			return nil, errors.Wrapf(err, "fleetsheet: read machine sheet %s failed", sheet)
		}
		for _, m := range parseMachines(rows, poolTypes, s.opts.Password) {
			if _, dup := seen[m.Address]; dup {
				log.Warn().Str("address", m.Address).Str("sheet", sheet).Msg("fleetsheet: duplicate machine row ignored")
				continue
			}
			seen[m.Address] = struct{}{}
			snap.Machines = append(snap.Machines, m)
		}
	}
	log.Info().Int("machines", len(snap.Machines)).Int("pool_types", len(poolTypes)).
		Int("windows", len(windows)).Msg("fleetsheet: snapshot loaded")
	return snap, nil
}

// Plan loads a fresh snapshot and plans it at now.
func (s *Source) Plan(ctx context.Context, now time.Time) ([]Group, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Plan(now)
}

// ActiveKind returns the account kind whose window contains now. The first
// matching row wins.
func (snap *Snapshot) ActiveKind(now time.Time) (AccountKind, error) {
	if snap.location != nil {
		now = now.In(snap.location)
	}
	for _, w := range snap.Windows {
		if w.Contains(now) {
			return w.Kind, nil
		}
	}
	return "", errors.Errorf("fleetsheet: no account window covers %s", now.Format("15:04:05"))
}

// ActiveMode returns the profile whose perf window contains now, normal
// when none does. It returns "" when work modes are not planned.
func (snap *Snapshot) ActiveMode(now time.Time) miner.WorkMode {
	if snap.ModeWindows == nil {
		return ""
	}
	if snap.location != nil {
		now = now.In(snap.location)
	}
	for _, w := range snap.ModeWindows {
		if w.Contains(now) {
			return w.Mode
		}
	}
	return miner.WorkModeNormal
}

// Plan groups online machines that have a switch account by the pools
// they should run at now. Machines without a switch account are left alone.
// With a perf-time sheet, a machine runs high only when both its account
// and the active perf window allow it.
func (snap *Snapshot) Plan(now time.Time) ([]Group, error) {
	kind, err := snap.ActiveKind(now)
	if err != nil {
		return nil, err
	}
	active := snap.ActiveMode(now)
	byKey := make(map[string]*Group)
	for _, m := range snap.Machines {
		if !m.Online || m.Switch == nil {
			continue
		}
		account := m.Main
		if kind == AccountSwitch {
			account = *m.Switch
		}
		var mode miner.WorkMode
		if active != "" {
			mode = miner.WorkModeNormal
			if active == miner.WorkModeHigh && account.Mode == miner.WorkModeHigh {
				mode = miner.WorkModeHigh
			}
		}
		key := string(m.Vendor) + "|" + string(mode) + "|" + poolsKey(account.Pools)
		g, ok := byKey[key]
		if !ok {
			g = &Group{Kind: kind, Vendor: m.Vendor, Desired: account.Pools, WorkMode: mode}
			byKey[key] = g
		}
		g.Targets = append(g.Targets, m.Address)
	}
	groups := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		sort.Strings(g.Targets)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Targets[0] < groups[j].Targets[0]
	})
	return groups, nil
}

func poolsKey(pools []miner.PoolConfig) string {
	parts := make([]string, len(pools))
	for i, p := range pools {
		parts[i] = p.URL + "#" + p.Account
	}
	return strings.Join(parts, ",")
}

// parsePoolTypes reads rows of "type, url1, url2, url3". A header row, if
// any, is skipped because its url cells are not host:port.
func parsePoolTypes(rows [][]string) map[string][]string {
	out := make(map[string][]string)
	for _, row := range rows {
		if len(row) < poolsPerType+1 {
			continue
		}
		name := strings.TrimSpace(row[0])
		if name == "" {
			continue
		}
		urls := make([]string, 0, poolsPerType)
		for _, cell := range row[1 : poolsPerType+1] {
			urls = append(urls, strings.TrimSpace(cell))
		}
		if !strings.Contains(urls[0], ":") {
			continue
		}
		out[name] = urls
	}
	return out
}

// timeRow is one "label, start, end" row of a time sheet.
type timeRow struct {
	label      string
	start, end time.Duration
}

func parseTimeRows(rows [][]string, sheet string) ([]timeRow, error) {
	var out []timeRow
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < 3 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		start, err := parseClock(row[1])
		if err != nil {
			return nil, errors.Wrapf(err, "fleetsheet: %s row %d", sheet, i+1)
		}
		end, err := parseClock(row[2])
		if err != nil {
			return nil, errors.Wrapf(err, "fleetsheet: %s row %d", sheet, i+1)
		}
		out = append(out, timeRow{label: strings.TrimSpace(row[0]), start: start, end: end})
	}
	return out, nil
}

func parseWindows(rows [][]string) ([]Window, error) {
	parsed, err := parseTimeRows(rows, "account time")
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, errors.New("fleetsheet: account time sheet has no windows")
	}
	windows := make([]Window, 0, len(parsed))
	for _, r := range parsed {
		windows = append(windows, Window{Kind: AccountKind(strings.ToLower(r.label)), Start: r.start, End: r.end})
	}
	return windows, nil
}

// parseModeWindows never returns nil on success so an empty sheet still
// plans every machine as normal.
func parseModeWindows(rows [][]string) ([]ModeWindow, error) {
	parsed, err := parseTimeRows(rows, "perf time")
	if err != nil {
		return nil, err
	}
	windows := make([]ModeWindow, 0, len(parsed))
	for _, r := range parsed {
		mode, err := miner.ParseWorkMode(r.label)
		if err != nil {
			return nil, errors.Wrap(err, "fleetsheet: perf time sheet")
		}
		windows = append(windows, ModeWindow{Mode: mode, Start: r.start, End: r.end})
	}
	return windows, nil
}

// parseClock accepts "HH:MM[:SS]" or a sheet time serial (fraction of a day).
func parseClock(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty time")
	}
	if !strings.Contains(raw, ":") {
		frac, err := strconv.ParseFloat(raw, 64)
		if err != nil || frac < 0 || frac >= 1 {
			return 0, fmt.Errorf("invalid time %q", raw)
		}
		return (time.Duration(frac*86400+0.5) * time.Second), nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", raw)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time %q", raw)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

func parseMachines(rows [][]string, poolTypes map[string][]string, password string) []Machine {
	var out []Machine
	for i, row := range rows {
		if i == 0 {
			continue
		}
		vendor := miner.ParseVendor(cell(row, colVendor))
		if vendor == miner.VendorUnknown {
			continue
		}
		addr := cell(row, colAddress)
		account := cell(row, colAccount)
		poolType := cell(row, colPoolType)
		if addr == "" || account == "" || poolType == "" {
			continue
		}
		main, ok := buildAccount(account, poolType, vendor, poolTypes, password)
		if !ok {
			log.Warn().Str("address", addr).Str("pool_type", poolType).Msg("fleetsheet: unknown pool type, row skipped")
			continue
		}
		main.Mode = parseModeCell(addr, cell(row, colMainMode))
		m := Machine{
			Address:  addr,
			Vendor:   vendor,
			Position: cell(row, colPosition),
			Online:   cell(row, colStatus) == onlineStatus,
			Main:     main,
			Note:     cell(row, colNote),
		}
		if name := cell(row, colSwitchAccount); name != "" {
			sw, ok := buildAccount(name, cell(row, colSwitchPool), vendor, poolTypes, password)
			if !ok {
				log.Warn().Str("address", addr).Str("pool_type", cell(row, colSwitchPool)).
					Msg("fleetsheet: unknown switch pool type, row skipped")
				continue
			}
			sw.Mode = parseModeCell(addr, cell(row, colSwitchMode))
			m.Switch = &sw
		}
		out = append(out, m)
	}
	return out
}

func buildAccount(name, poolType string, vendor miner.Vendor, poolTypes map[string][]string, password string) (Account, bool) {
	urls, ok := poolTypes[strings.TrimSpace(poolType)]
	if !ok || len(urls) != poolsPerType {
		return Account{}, false
	}
	pools := make([]miner.PoolConfig, 0, len(urls))
	for _, u := range urls {
		// avalon 的 cgminer 接口需要带协议前缀
		if vendor == miner.VendorAvalon {
			u = miner.WithStratumScheme(u)
		}
		pools = append(pools, miner.PoolConfig{URL: u, Account: name, Password: password})
	}
	return Account{Name: name, Pools: miner.NormalizePools(pools)}, true
}

// parseModeCell treats unknown cells as normal.
func parseModeCell(addr, raw string) miner.WorkMode {
	mode, err := miner.ParseWorkMode(raw)
	if err != nil {
		log.Warn().Err(err).Str("address", addr).Msg("fleetsheet: work mode cell ignored")
		return miner.WorkModeNormal
	}
	if mode == "" {
		return miner.WorkModeNormal
	}
	return mode
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}
