package miner

import (
	"fmt"
	"net"
	"strings"
)

const stratumScheme = "stratum+tcp://"

// PoolConfig is one mining-pool endpoint assignment.
type PoolConfig struct {
	URL      string `json:"url" yaml:"url" validate:"required"`
	Account  string `json:"account" yaml:"account" validate:"required"`
	Password string `json:"password,omitempty" yaml:"password"`
	Priority int    `json:"priority" yaml:"priority"`
}

func (p PoolConfig) String() string {
	return fmt.Sprintf("%s/%s", NormalizeURL(p.URL), p.Account)
}

// EqualFunc decides whether the current primary already matches the desired one.
type EqualFunc func(current, desired PoolConfig) bool

// NormalizeURL drops the stratum scheme and trailing slashes so the same
// endpoint written by different vendors compares equal.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, stratumScheme) {
		u = u[len(stratumScheme):]
	}
	return strings.ToLower(strings.TrimRight(u, "/"))
}

// WithStratumScheme prefixes the stratum scheme when missing.
func WithStratumScheme(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	return stratumScheme + u
}

// SamePool compares pool identity: URL and account. Priority is ignored.
func SamePool(a, b PoolConfig) bool {
	return NormalizeURL(a.URL) == NormalizeURL(b.URL) &&
		strings.TrimSpace(a.Account) == strings.TrimSpace(b.Account)
}

// SameAccount is the relaxed identity used when worker suffixes are appended
// per device: only the account before the first "." is compared.
func SameAccount(a, b PoolConfig) bool {
	return NormalizeURL(a.URL) == NormalizeURL(b.URL) &&
		AccountBase(a.Account) == AccountBase(b.Account)
}

// AccountBase returns the account part of "account.worker".
func AccountBase(account string) string {
	account = strings.TrimSpace(account)
	if idx := strings.Index(account, "."); idx >= 0 {
		return account[:idx]
	}
	return account
}

// WorkerNamer rewrites a pool for a given device address before it is applied.
type WorkerNamer func(addr string, pool PoolConfig) PoolConfig

// IPWorkerNamer names the worker after the last two IPv4 octets, e.g.
// account "acme" on 10.0.12.34 becomes "acme.12x34".
func IPWorkerNamer(addr string, pool PoolConfig) PoolConfig {
	ip := net.ParseIP(HostOf(addr)).To4()
	if ip == nil {
		return pool
	}
	pool.Account = fmt.Sprintf("%s.%dx%d", AccountBase(pool.Account), ip[2], ip[3])
	return pool
}

// NormalizePools drops entries without URL and renumbers priorities by position.
func NormalizePools(pools []PoolConfig) []PoolConfig {
	out := make([]PoolConfig, 0, len(pools))
	for _, p := range pools {
		p.URL = strings.TrimSpace(p.URL)
		p.Account = strings.TrimSpace(p.Account)
		if p.URL == "" {
			continue
		}
		p.Priority = len(out)
		out = append(out, p)
	}
	return out
}

// ApplyNamer returns a renamed copy of pools for addr.
func ApplyNamer(addr string, pools []PoolConfig, namer WorkerNamer) []PoolConfig {
	out := make([]PoolConfig, len(pools))
	for i, p := range pools {
		if namer != nil {
			p = namer(addr, p)
		}
		out[i] = p
	}
	return out
}

// HostOf strips an optional port from addr.
func HostOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// JoinHostPort keeps an explicit port in addr, otherwise applies defaultPort.
func JoinHostPort(addr string, defaultPort int) string {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprint(defaultPort))
}
