// Package config loads the fleet file: scan ranges, switch groups, policy
// knobs, watch thresholds and schedules.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	mineragent "github.com/httprunner/MinerAgent"
	"github.com/httprunner/MinerAgent/internal/env"
	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EnvFleetFile = "MINER_FLEET_FILE"

	WorkerNamingExact = "exact"
	WorkerNamingIP    = "ip"
)

// Fleet is the root of the YAML fleet file.
type Fleet struct {
	Ranges   []string       `yaml:"ranges" validate:"dive,required"`
	Scan     ScanConfig     `yaml:"scan"`
	Switch   SwitchConfig   `yaml:"switch"`
	Groups   []SwitchGroup  `yaml:"groups" validate:"dive"`
	Reboot   RebootConfig   `yaml:"reboot"`
	Watch    WatchConfig    `yaml:"watch"`
	Sheet    *SheetConfig   `yaml:"sheet" validate:"omitempty"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Storage  StorageConfig  `yaml:"storage"`
	Notify   NotifyConfig   `yaml:"notify"`
	Vendors  VendorsConfig  `yaml:"vendors"`
}

type ScanConfig struct {
	Concurrency  int           `yaml:"concurrency" validate:"gte=0,lte=1024"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gte=0"`
	// Prefilter runs an nmap ping sweep before probing.
	Prefilter bool `yaml:"prefilter"`
}

type SwitchConfig struct {
	Cooldown      time.Duration `yaml:"cooldown" validate:"gte=0"`
	Workers       int           `yaml:"workers" validate:"gte=0,lte=1024"`
	FetchAttempts int           `yaml:"fetch_attempts" validate:"gte=0,lte=10"`
	FetchBackoff  time.Duration `yaml:"fetch_backoff" validate:"gte=0"`
	WorkerNaming  string        `yaml:"worker_naming" validate:"omitempty,oneof=exact ip"`
	SkipOffline   bool          `yaml:"skip_offline"`
}

// SwitchGroup pins a set of targets to a pool list.
type SwitchGroup struct {
	Name    string             `yaml:"name" validate:"required"`
	Targets []string           `yaml:"targets" validate:"required,min=1,dive,required"`
	Pools   []miner.PoolConfig `yaml:"pools" validate:"required,min=1,max=3,dive"`
	// WorkMode is applied on vendors that support it; empty leaves it alone.
	WorkMode miner.WorkMode `yaml:"work_mode" validate:"omitempty,oneof=normal high"`
}

type RebootConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=0,lte=1024"`
	RetryTransient bool          `yaml:"retry_transient"`
	RetryDelay     time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

type WatchConfig struct {
	Workers    int                   `yaml:"workers" validate:"gte=0,lte=1024"`
	Thresholds mineragent.Thresholds `yaml:"thresholds"`
}

// SheetConfig points at the Feishu spreadsheet that replaces static groups.
type SheetConfig struct {
	Spreadsheet      string   `yaml:"spreadsheet" validate:"required"`
	MachineSheets    []string `yaml:"machine_sheets" validate:"required,min=1,dive,required"`
	PoolSheet        string   `yaml:"pool_sheet" validate:"required"`
	AccountTimeSheet string   `yaml:"account_time_sheet" validate:"required"`
	PerfTimeSheet    string   `yaml:"perf_time_sheet"`
}

// ScheduleConfig holds cron specs for the daemon; empty disables a job.
type ScheduleConfig struct {
	Watch   string `yaml:"watch"`
	Switch  string `yaml:"switch"`
	Scan    string `yaml:"scan"`
	Cleanup string `yaml:"cleanup"`
}

type StorageConfig struct {
	Enable   bool   `yaml:"enable"`
	Path     string `yaml:"path"`
	KeepDays int    `yaml:"keep_days" validate:"gte=0"`
}

type NotifyConfig struct {
	BotWebhook string `yaml:"bot_webhook"`
	After      int    `yaml:"after" validate:"gte=0"`
}

type VendorsConfig struct {
	AntminerUser     string `yaml:"antminer_user"`
	AntminerPassword string `yaml:"antminer_password"`
	BlueStarPassword string `yaml:"bluestar_password"`
}

// Default returns a fleet populated from the environment.
func Default() *Fleet {
	return &Fleet{
		Ranges: env.Strings("MINER_RANGES"),
		Scan: ScanConfig{
			Concurrency:  env.Int("MINER_SCAN_CONCURRENCY", 50),
			ProbeTimeout: env.Duration("MINER_PROBE_TIMEOUT", 3*time.Second),
			Prefilter:    env.Bool("MINER_SCAN_PREFILTER", false),
		},
		Switch: SwitchConfig{
			Cooldown:      env.Duration("MINER_SWITCH_COOLDOWN", 10*time.Minute),
			Workers:       env.Int("MINER_SWITCH_WORKERS", 20),
			FetchAttempts: env.Int("MINER_FETCH_ATTEMPTS", 3),
			FetchBackoff:  env.Duration("MINER_FETCH_BACKOFF", time.Second),
			WorkerNaming:  env.String("MINER_WORKER_NAMING", WorkerNamingExact),
		},
		Reboot: RebootConfig{
			Workers:    env.Int("MINER_REBOOT_WORKERS", 20),
			RetryDelay: 2 * time.Second,
		},
		Watch: WatchConfig{
			Workers: env.Int("MINER_WATCH_WORKERS", 50),
			Thresholds: mineragent.Thresholds{
				MinHashrateGHS:  env.Float("MINER_MIN_HASHRATE_GHS", 0),
				MaxTemperatureC: env.Float("MINER_MAX_TEMPERATURE_C", 0),
			},
		},
		Schedule: ScheduleConfig{
			Watch:   env.String("MINER_CRON_WATCH", "@every 1m"),
			Switch:  env.String("MINER_CRON_SWITCH", "@every 5m"),
			Cleanup: env.String("MINER_CRON_CLEANUP", "@daily"),
		},
		Storage: StorageConfig{
			Enable:   env.Bool("MINER_DB_ENABLE", false),
			Path:     env.String("MINER_DB_PATH", ""),
			KeepDays: env.Int("MINER_DB_KEEP_DAYS", 7),
		},
		Notify: NotifyConfig{
			BotWebhook: env.String("FEISHU_BOT_WEBHOOK", ""),
			After:      env.Int("MINER_NOTIFY_AFTER", 3),
		},
		Vendors: VendorsConfig{
			AntminerUser:     env.String("ANTMINER_USER", "root"),
			AntminerPassword: env.String("ANTMINER_PASSWORD", "root"),
			BlueStarPassword: env.String("BLUESTAR_PASSWORD", ""),
		},
	}
}

// Load reads path on top of Default. An empty path falls back to
// MINER_FLEET_FILE; with neither set the environment defaults are returned.
func Load(path string) (*Fleet, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = env.String(EnvFleetFile, "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read fleet file %s", path)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "fleet file %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document does not set.
func Parse(data []byte, cfg *Fleet) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "parse yaml")
	}
	return nil
}

var validate = validator.New()

func (f *Fleet) Validate() error {
	if err := validate.Struct(f); err != nil {
		return errors.Wrap(err, "invalid fleet config")
	}
	names := make(map[string]struct{}, len(f.Groups))
	for _, g := range f.Groups {
		if _, dup := names[g.Name]; dup {
			return errors.Errorf("invalid fleet config: duplicate group %q", g.Name)
		}
		names[g.Name] = struct{}{}
	}
	return nil
}

// SwitchPolicy converts the switch section into an engine policy.
func (f *Fleet) SwitchPolicy() mineragent.SwitchPolicy {
	p := mineragent.SwitchPolicy{
		Cooldown:      f.Switch.Cooldown,
		Workers:       f.Switch.Workers,
		FetchAttempts: f.Switch.FetchAttempts,
		FetchBackoff:  f.Switch.FetchBackoff,
		SkipOffline:   f.Switch.SkipOffline,
	}
	if f.Switch.WorkerNaming == WorkerNamingIP {
		// 每台机器独立矿工名，只比较账户前缀
		p.WorkerNamer = miner.IPWorkerNamer
		p.Equal = miner.SameAccount
	}
	return p
}

func (f *Fleet) RebootPolicy() mineragent.RebootPolicy {
	return mineragent.RebootPolicy{
		Workers:        f.Reboot.Workers,
		RetryTransient: f.Reboot.RetryTransient,
		RetryDelay:     f.Reboot.RetryDelay,
	}
}

// Group returns the switch group called name.
func (f *Fleet) Group(name string) (SwitchGroup, bool) {
	for _, g := range f.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return SwitchGroup{}, false
}
