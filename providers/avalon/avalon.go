// Package avalon drives Canaan Avalon miners over the cgminer TCP API.
package avalon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/rs/zerolog/log"
)

const (
	cmdVersion   = "version"
	cmdPools     = "pools"
	cmdEstats    = "estats"
	cmdHashPower = "ascset|0,hashpower"
	cmdReboot    = "ascset|0,reboot,0"
	cmdWorkMode  = "ascset|0,workmode,"

	poolSlots = 3
)

var (
	modelRe    = regexp.MustCompile(`MODEL=([^,|]+)`)
	poolRe     = regexp.MustCompile(`POOL=\d+,URL=([^,]+),.*?User=([^,]+),`)
	elapsedRe  = regexp.MustCompile(`Elapsed\[(\d+)\]`)
	tempRe     = regexp.MustCompile(`\bTemp\[(-?\d+)\]`)
	mtavgRe    = regexp.MustCompile(`MTavg\[(-?\d+(?: -?\d+)*)\]`)
	ghsSpdRe   = regexp.MustCompile(`GHSspd\[(\d+(?:\.\d+)?)\]`)
	ghsAvgRe   = regexp.MustCompile(`GHSavg\[(\d+(?:\.\d+)?)\]`)
	workModeRe = regexp.MustCompile(`WORKMODE\[(\d+)\]`)
	fanRe      = regexp.MustCompile(`Fan1\[(\d+)\]`)
	powerRe    = regexp.MustCompile(`PS\[(\d+) (\d+) (\d+) (\d+) (\d+) (\d+)\]`)
)

// Config controls the API port, timeouts and pool-apply behavior.
type Config struct {
	Port    int
	Timeout time.Duration
	// RebootAfterSet restarts the controller after writing pools; setpool
	// only takes effect on the next boot on stock firmware.
	RebootAfterSet bool
}

// Adapter implements miner.Adapter for Avalon devices.
type Adapter struct {
	cfg Config
	api *cgminerClient
}

var (
	_ miner.Adapter        = (*Adapter)(nil)
	_ miner.WorkModeSetter = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.Port <= 0 {
		cfg.Port = 4028
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Adapter{
		cfg: cfg,
		api: &cgminerClient{port: cfg.Port, timeout: cfg.Timeout},
	}
}

func (a *Adapter) Vendor() miner.Vendor { return miner.VendorAvalon }

// Identify asks cgminer for its version banner.
func (a *Adapter) Identify(ctx context.Context, addr string) (bool, error) {
	reply, err := a.api.command(ctx, addr, cmdVersion)
	if err != nil {
		if miner.IsProtocol(err) {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(strings.ToLower(reply), "avalon"), nil
}

func (a *Adapter) QueryStatus(ctx context.Context, addr string) (miner.Report, error) {
	version, err := a.api.command(ctx, addr, cmdVersion)
	if err != nil {
		return miner.Report{}, err
	}
	report := miner.Report{Model: "Avalon"}
	if m := modelRe.FindStringSubmatch(version); m != nil {
		report.Model = strings.TrimSpace(m[1])
	}

	estats, err := a.api.command(ctx, addr, cmdEstats)
	if err != nil {
		return miner.Report{}, err
	}
	metrics, err := parseEstats(estats)
	if err != nil {
		return miner.Report{}, miner.Protocol("estats", addr, err)
	}

	// hashpower is missing on older controllers; power stays zero then.
	if power, err := a.api.command(ctx, addr, cmdHashPower); err == nil {
		if m := powerRe.FindStringSubmatch(power); m != nil {
			metrics.PowerW, _ = strconv.ParseFloat(m[5], 64)
		}
	} else if miner.IsUnreachable(err) {
		return miner.Report{}, err
	}
	report.Metrics = metrics
	return report, nil
}

func parseEstats(reply string) (miner.Metrics, error) {
	var m miner.Metrics
	spd := ghsSpdRe.FindStringSubmatch(reply)
	if spd == nil {
		return m, fmt.Errorf("GHSspd not found in estats reply")
	}
	m.HashrateGHS, _ = strconv.ParseFloat(spd[1], 64)
	if avg := ghsAvgRe.FindStringSubmatch(reply); avg != nil {
		m.AvgHashrateGHS, _ = strconv.ParseFloat(avg[1], 64)
	}
	if el := elapsedRe.FindStringSubmatch(reply); el != nil {
		m.ElapsedSec, _ = strconv.ParseInt(el[1], 10, 64)
	}
	if t := tempRe.FindStringSubmatch(reply); t != nil {
		m.TemperatureC, _ = strconv.ParseFloat(t[1], 64)
	}
	if mt := mtavgRe.FindStringSubmatch(reply); mt != nil {
		for _, field := range strings.Fields(mt[1]) {
			if v, err := strconv.ParseFloat(field, 64); err == nil && v > m.TemperatureC {
				m.TemperatureC = v
			}
		}
	}
	if fan := fanRe.FindStringSubmatch(reply); fan != nil {
		m.FanRPM, _ = strconv.Atoi(fan[1])
	}
	if wm := workModeRe.FindStringSubmatch(reply); wm != nil {
		m.WorkMode = wm[1]
	}
	return m, nil
}

func (a *Adapter) GetPools(ctx context.Context, addr string) ([]miner.PoolConfig, error) {
	reply, err := a.api.command(ctx, addr, cmdPools)
	if err != nil {
		return nil, err
	}
	pools := parsePools(reply)
	if len(pools) == 0 {
		return nil, miner.Protocolf("pools", addr, "no pools in reply")
	}
	return pools, nil
}

func parsePools(reply string) []miner.PoolConfig {
	matches := poolRe.FindAllStringSubmatch(reply, -1)
	pools := make([]miner.PoolConfig, 0, len(matches))
	for _, m := range matches {
		pools = append(pools, miner.PoolConfig{URL: m[1], Account: m[2]})
	}
	return miner.NormalizePools(pools)
}

// SetPools writes all three slots; short lists repeat the last pool so a
// stale fallback from the previous owner never survives.
func (a *Adapter) SetPools(ctx context.Context, addr string, pools []miner.PoolConfig) error {
	pools = miner.NormalizePools(pools)
	if len(pools) == 0 {
		return miner.Protocolf("setpool", addr, "empty pool list")
	}
	for i := 0; i < poolSlots; i++ {
		p := pools[len(pools)-1]
		if i < len(pools) {
			p = pools[i]
		}
		cmd := fmt.Sprintf("ascset|0,setpool,root,root,%d,%s,%s,%s",
			i, miner.WithStratumScheme(p.URL), p.Account, p.Password)
		if _, err := a.api.command(ctx, addr, cmd); err != nil {
			return err
		}
	}
	log.Debug().Str("address", addr).Int("pools", len(pools)).Msg("avalon pools written")
	if a.cfg.RebootAfterSet {
		return a.Reboot(ctx, addr)
	}
	return nil
}

// Reboot is write-only: the controller restarts without replying.
func (a *Adapter) Reboot(ctx context.Context, addr string) error {
	return a.api.send(ctx, addr, cmdReboot)
}

// GetWorkMode reads WORKMODE from estats.
func (a *Adapter) GetWorkMode(ctx context.Context, addr string) (miner.WorkMode, error) {
	reply, err := a.api.command(ctx, addr, cmdEstats)
	if err != nil {
		return "", err
	}
	wm := workModeRe.FindStringSubmatch(reply)
	if wm == nil {
		return "", miner.Protocolf("estats", addr, "WORKMODE not found in estats reply")
	}
	mode, err := miner.ParseWorkMode(wm[1])
	if err != nil {
		return "", miner.Protocol("estats", addr, err)
	}
	return mode, nil
}

// SetWorkMode writes the profile; it is applied on the next reboot, which
// SetPools issues when RebootAfterSet is on.
func (a *Adapter) SetWorkMode(ctx context.Context, addr string, mode miner.WorkMode) error {
	value := 0
	switch mode {
	case miner.WorkModeHigh:
		value = 1
	case miner.WorkModeNormal:
	default:
		return miner.Protocolf("workmode", addr, "unsupported work mode %q", mode)
	}
	if _, err := a.api.command(ctx, addr, fmt.Sprintf("%s%d", cmdWorkMode, value)); err != nil {
		return err
	}
	log.Debug().Str("address", addr).Str("mode", string(mode)).Msg("avalon work mode written")
	return nil
}
