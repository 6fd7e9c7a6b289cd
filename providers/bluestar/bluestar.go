// Package bluestar drives BlueStar controllers through their token-protected
// REST API.
package bluestar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"golang.org/x/sync/singleflight"
)

const (
	loginPath   = "/api/v1/auth/login"
	infoPath    = "/api/v1/info"
	summaryPath = "/api/v1/summary"
	poolsPath   = "/api/v1/pools"
	rebootPath  = "/api/v1/reboot"

	vendorMarker = "bluestar"
)

type Config struct {
	Username string
	Password string
	Port     int
	Timeout  time.Duration
}

// Adapter implements miner.Adapter for BlueStar devices. Session tokens are
// cached per device; concurrent logins to one device are collapsed.
type Adapter struct {
	cfg    Config
	client *http.Client

	tokenMu    sync.RWMutex
	tokens     map[string]string
	loginGroup singleflight.Group
}

var _ miner.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "admin"
	}
	if cfg.Port <= 0 {
		cfg.Port = 80
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tokens: make(map[string]string),
	}
}

func (a *Adapter) Vendor() miner.Vendor { return miner.VendorBlueStar }

type infoResponse struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
}

// Identify reads the unauthenticated info endpoint.
func (a *Adapter) Identify(ctx context.Context, addr string) (bool, error) {
	status, body, err := a.send(ctx, http.MethodGet, addr, infoPath, "", nil)
	if err != nil {
		return false, miner.NetworkError("identify", addr, err)
	}
	if status != http.StatusOK {
		return false, nil
	}
	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(info.Vendor), vendorMarker), nil
}

type summaryResponse struct {
	Model          string  `json:"model"`
	HashrateGHS    float64 `json:"hashrate_ghs"`
	AvgHashrateGHS float64 `json:"hashrate_avg_ghs"`
	TemperatureC   float64 `json:"temperature_c"`
	FanRPM         int     `json:"fan_rpm"`
	PowerW         float64 `json:"power_w"`
	UptimeSec      int64   `json:"uptime_s"`
	WorkMode       string  `json:"work_mode"`
}

func (a *Adapter) QueryStatus(ctx context.Context, addr string) (miner.Report, error) {
	var s summaryResponse
	if err := a.call(ctx, http.MethodGet, addr, summaryPath, nil, &s, "summary"); err != nil {
		return miner.Report{}, err
	}
	return miner.Report{
		Model: s.Model,
		Metrics: miner.Metrics{
			HashrateGHS:    s.HashrateGHS,
			AvgHashrateGHS: s.AvgHashrateGHS,
			TemperatureC:   s.TemperatureC,
			FanRPM:         s.FanRPM,
			PowerW:         s.PowerW,
			ElapsedSec:     s.UptimeSec,
			WorkMode:       s.WorkMode,
		},
	}, nil
}

type poolEntry struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
	Priority int    `json:"priority"`
}

type poolsBody struct {
	Pools []poolEntry `json:"pools"`
}

func (a *Adapter) GetPools(ctx context.Context, addr string) ([]miner.PoolConfig, error) {
	var body poolsBody
	if err := a.call(ctx, http.MethodGet, addr, poolsPath, nil, &body, "get_pools"); err != nil {
		return nil, err
	}
	pools := make([]miner.PoolConfig, 0, len(body.Pools))
	for _, p := range body.Pools {
		pools = append(pools, miner.PoolConfig{URL: p.URL, Account: p.User, Password: p.Password, Priority: p.Priority})
	}
	sortByPriority(pools)
	pools = miner.NormalizePools(pools)
	if len(pools) == 0 {
		return nil, miner.Protocolf("get_pools", addr, "no pools configured")
	}
	return pools, nil
}

func (a *Adapter) SetPools(ctx context.Context, addr string, pools []miner.PoolConfig) error {
	pools = miner.NormalizePools(pools)
	if len(pools) == 0 {
		return miner.Protocolf("set_pools", addr, "empty pool list")
	}
	body := poolsBody{Pools: make([]poolEntry, 0, len(pools))}
	for _, p := range pools {
		body.Pools = append(body.Pools, poolEntry{URL: p.URL, User: p.Account, Password: p.Password, Priority: p.Priority})
	}
	return a.call(ctx, http.MethodPut, addr, poolsPath, body, nil, "set_pools")
}

// Reboot posts the reboot request. The API answers 202 before restarting,
// older firmware drops the socket instead.
func (a *Adapter) Reboot(ctx context.Context, addr string) error {
	err := a.call(ctx, http.MethodPost, addr, rebootPath, nil, nil, "reboot")
	if err != nil && miner.IsUnreachable(err) && !miner.IsDialFailure(err) && miner.IsDisconnect(err) {
		return nil
	}
	return err
}

func (a *Adapter) call(ctx context.Context, method, addr, path string, in, out any, op string) error {
	token, err := a.token(ctx, addr)
	if err != nil {
		return err
	}
	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return miner.Protocol(op, addr, err)
		}
	}
	status, body, err := a.send(ctx, method, addr, path, token, payload)
	if err != nil {
		return miner.NetworkError(op, addr, err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		a.dropToken(addr)
		return miner.Unauthorized(op, addr)
	case status >= 400:
		return miner.Protocolf(op, addr, "http status %d: %s", status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return miner.Protocol(op, addr, err)
	}
	return nil
}

func (a *Adapter) token(ctx context.Context, addr string) (string, error) {
	a.tokenMu.RLock()
	token := a.tokens[addr]
	a.tokenMu.RUnlock()
	if token != "" {
		return token, nil
	}
	v, err, _ := a.loginGroup.Do(addr, func() (any, error) {
		return a.login(ctx, addr)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Adapter) login(ctx context.Context, addr string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"username": a.cfg.Username, "password": a.cfg.Password})
	status, body, err := a.send(ctx, http.MethodPost, addr, loginPath, "", payload)
	if err != nil {
		return "", miner.NetworkError("login", addr, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", miner.Unauthorized("login", addr)
	}
	if status >= 400 {
		return "", miner.Protocolf("login", addr, "http status %d", status)
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Token == "" {
		return "", miner.Protocolf("login", addr, "token missing in login response")
	}
	a.tokenMu.Lock()
	a.tokens[addr] = parsed.Token
	a.tokenMu.Unlock()
	return parsed.Token, nil
}

func (a *Adapter) dropToken(addr string) {
	a.tokenMu.Lock()
	delete(a.tokens, addr)
	a.tokenMu.Unlock()
}

func (a *Adapter) send(ctx context.Context, method, addr, path, token string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("http://%s%s", miner.JoinHostPort(addr, a.cfg.Port), path), body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func sortByPriority(pools []miner.PoolConfig) {
	sort.SliceStable(pools, func(i, j int) bool { return pools[i].Priority < pools[j].Priority })
}
