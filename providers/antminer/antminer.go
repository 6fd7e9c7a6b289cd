// Package antminer drives Bitmain Antminer controllers through their CGI
// endpoints, which sit behind HTTP digest auth.
package antminer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/icholy/digest"
	"github.com/rs/zerolog/log"
)

const (
	statsPath   = "/cgi-bin/stats.cgi"
	getConfPath = "/cgi-bin/get_miner_conf.cgi"
	setConfPath = "/cgi-bin/set_miner_conf.cgi"
	rebootPath  = "/cgi-bin/reboot.cgi"

	// set_miner_conf.cgi rejects configs with fewer slots.
	poolSlots = 3

	identifyMarker = "antMiner"
)

// Config controls credentials and timeouts.
type Config struct {
	Username      string
	Password      string
	Port          int
	Timeout       time.Duration
	RebootTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Username == "" {
		c.Username = "root"
	}
	if c.Password == "" {
		c.Password = "root"
	}
	if c.Port <= 0 {
		c.Port = 80
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.RebootTimeout <= 0 {
		c.RebootTimeout = 5 * time.Second
	}
	return c
}

// Adapter implements miner.Adapter for Antminer devices.
type Adapter struct {
	cfg    Config
	client *http.Client
	probe  *http.Client
}

var _ miner.Adapter = (*Adapter)(nil)

// New returns an Adapter with one digest-authenticated client shared across devices.
func New(cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	base := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Adapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &digest.Transport{
				Username:  cfg.Username,
				Password:  cfg.Password,
				Transport: base,
			},
		},
		probe: &http.Client{Timeout: cfg.Timeout, Transport: base},
	}
}

func (a *Adapter) Vendor() miner.Vendor { return miner.VendorAntminer }

// Identify looks for the "antMiner" digest realm the web UI advertises.
func (a *Adapter) Identify(ctx context.Context, addr string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(addr, "/"), nil)
	if err != nil {
		return false, miner.Protocol("identify", addr, err)
	}
	resp, err := a.probe.Do(req)
	if err != nil {
		return false, miner.NetworkError("identify", addr, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	for _, values := range resp.Header {
		for _, v := range values {
			if strings.Contains(v, identifyMarker) {
				return true, nil
			}
		}
	}
	return false, nil
}

type statsResponse struct {
	Info struct {
		Type string `json:"type"`
	} `json:"INFO"`
	Stats []struct {
		Elapsed int64   `json:"elapsed"`
		Rate5s  float64 `json:"rate_5s"`
		RateAvg float64 `json:"rate_avg"`
		Fan     []int   `json:"fan"`
		Chain   []struct {
			TempChip []float64 `json:"temp_chip"`
		} `json:"chain"`
	} `json:"STATS"`
}

// QueryStatus reads stats.cgi.
func (a *Adapter) QueryStatus(ctx context.Context, addr string) (miner.Report, error) {
	body, err := a.do(ctx, http.MethodGet, addr, statsPath, nil, "stats")
	if err != nil {
		return miner.Report{}, err
	}
	var parsed statsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return miner.Report{}, miner.Protocol("stats", addr, err)
	}
	if len(parsed.Stats) == 0 {
		return miner.Report{}, miner.Protocolf("stats", addr, "STATS section missing")
	}
	s := parsed.Stats[0]
	report := miner.Report{
		Model: parsed.Info.Type,
		Metrics: miner.Metrics{
			HashrateGHS:    s.Rate5s,
			AvgHashrateGHS: s.RateAvg,
			ElapsedSec:     s.Elapsed,
		},
	}
	for _, chain := range s.Chain {
		for _, temp := range chain.TempChip {
			if temp > report.Metrics.TemperatureC {
				report.Metrics.TemperatureC = temp
			}
		}
	}
	for _, rpm := range s.Fan {
		if rpm > report.Metrics.FanRPM {
			report.Metrics.FanRPM = rpm
		}
	}
	return report, nil
}

type confPool struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// minerConf keeps every non-pool field verbatim so writing the config back
// never resets fan, frequency or API settings.
type minerConf struct {
	Pools []confPool
	Rest  map[string]json.RawMessage
}

func (c *minerConf) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if pools, ok := raw["pools"]; ok {
		if err := json.Unmarshal(pools, &c.Pools); err != nil {
			return err
		}
		delete(raw, "pools")
	}
	c.Rest = raw
	return nil
}

func (c minerConf) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Rest)+1)
	for k, v := range c.Rest {
		out[k] = v
	}
	out["pools"] = c.Pools
	return json.Marshal(out)
}

func (a *Adapter) getConf(ctx context.Context, addr string) (*minerConf, error) {
	body, err := a.do(ctx, http.MethodGet, addr, getConfPath, nil, "get_conf")
	if err != nil {
		return nil, err
	}
	conf := &minerConf{}
	if err := json.Unmarshal(body, conf); err != nil {
		return nil, miner.Protocol("get_conf", addr, err)
	}
	return conf, nil
}

// GetPools returns the configured pools, skipping blank slots.
func (a *Adapter) GetPools(ctx context.Context, addr string) ([]miner.PoolConfig, error) {
	conf, err := a.getConf(ctx, addr)
	if err != nil {
		return nil, err
	}
	pools := make([]miner.PoolConfig, 0, len(conf.Pools))
	for _, p := range conf.Pools {
		pools = append(pools, miner.PoolConfig{URL: p.URL, Account: p.User, Password: p.Pass})
	}
	pools = miner.NormalizePools(pools)
	if len(pools) == 0 {
		return nil, miner.Protocolf("get_conf", addr, "no pools configured")
	}
	return pools, nil
}

// SetPools rewrites the pool slots of the current config and posts it back.
func (a *Adapter) SetPools(ctx context.Context, addr string, pools []miner.PoolConfig) error {
	pools = miner.NormalizePools(pools)
	if len(pools) == 0 {
		return miner.Protocolf("set_conf", addr, "empty pool list")
	}
	if len(pools) > poolSlots {
		pools = pools[:poolSlots]
	}
	conf, err := a.getConf(ctx, addr)
	if err != nil {
		return err
	}
	slots := make([]confPool, poolSlots)
	for i, p := range pools {
		slots[i] = confPool{URL: p.URL, User: p.Account, Pass: p.Password}
	}
	conf.Pools = slots
	payload, err := json.Marshal(conf)
	if err != nil {
		return miner.Protocol("set_conf", addr, err)
	}
	if _, err := a.do(ctx, http.MethodPost, addr, setConfPath, payload, "set_conf"); err != nil {
		return err
	}
	log.Debug().Str("address", addr).Int("pools", len(pools)).Msg("antminer config written")
	return nil
}

// Reboot calls reboot.cgi. The controller usually drops the connection
// before answering; that counts as accepted.
func (a *Adapter) Reboot(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RebootTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(addr, rebootPath), nil)
	if err != nil {
		return miner.Protocol("reboot", addr, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if miner.IsDisconnect(err) {
			return nil
		}
		return miner.NetworkError("reboot", addr, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return miner.Unauthorized("reboot", addr)
	}
	if resp.StatusCode >= 400 {
		return miner.Protocolf("reboot", addr, "http status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, addr, path string, payload []byte, op string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.url(addr, path), body)
	if err != nil {
		return nil, miner.Protocol(op, addr, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, miner.NetworkError(op, addr, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, miner.NetworkError(op, addr, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, miner.Unauthorized(op, addr)
	}
	if resp.StatusCode >= 400 {
		return nil, miner.Protocolf(op, addr, "http status %d", resp.StatusCode)
	}
	return raw, nil
}

func (a *Adapter) url(addr, path string) string {
	return fmt.Sprintf("http://%s%s", miner.JoinHostPort(addr, a.cfg.Port), path)
}
