// Package sweep narrows a scan to hosts that have a miner port open, using
// one nmap connect scan instead of a full probe per address.
package sweep

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPorts covers the vendor web UIs and the cgminer API.
var DefaultPorts = []int{80, 4028}

// runFunc executes one nmap run; replaced in tests.
type runFunc func(ctx context.Context, hosts []string, ports string) (*nmap.Run, error)

// Nmap is a scan prefilter backed by the nmap binary.
type Nmap struct {
	ports   []int
	timeout time.Duration
	run     runFunc
}

// NewNmap builds a prefilter sweeping ports; nil ports uses DefaultPorts.
// A zero timeout leaves the run bounded only by ctx.
func NewNmap(ports []int, timeout time.Duration) *Nmap {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	n := &Nmap{ports: ports, timeout: timeout}
	n.run = n.runNmap
	return n
}

// Alive returns the subset of addrs whose host answered on at least one port.
// Entries keep their original form, so "10.0.0.5:4028" survives as written.
func (n *Nmap) Alive(ctx context.Context, addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	byHost := make(map[string][]string, len(addrs))
	hosts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		h := miner.HostOf(a)
		if _, ok := byHost[h]; !ok {
			hosts = append(hosts, h)
		}
		byHost[h] = append(byHost[h], a)
	}

	start := time.Now()
	result, err := n.run(ctx, hosts, n.portList())
	if err != nil {
		return nil, err
	}
	up := upHosts(result)
	var alive []string
	for _, h := range hosts {
		if _, ok := up[h]; ok {
			alive = append(alive, byHost[h]...)
		}
	}
	log.Info().Int("hosts", len(hosts)).Int("alive", len(alive)).
		Dur("elapsed", time.Since(start)).Msg("nmap sweep finished")
	return alive, nil
}

func (n *Nmap) portList() string {
	parts := make([]string, len(n.ports))
	for i, p := range n.ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func (n *Nmap) runNmap(ctx context.Context, hosts []string, ports string) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(hosts...),
		nmap.WithPorts(ports),
		// connect scan works without root
		nmap.WithConnectScan(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithOpenOnly(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sweep: create nmap scanner")
	}
	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, errors.Wrap(err, "sweep: nmap run failed")
	}
	if warnings != nil && len(*warnings) > 0 {
		log.Debug().Strs("warnings", *warnings).Msg("nmap sweep warnings")
	}
	return result, nil
}

// upHosts collects addresses of hosts with an open port.
func upHosts(result *nmap.Run) map[string]struct{} {
	up := make(map[string]struct{})
	if result == nil {
		return up
	}
	for _, host := range result.Hosts {
		open := false
		for _, p := range host.Ports {
			if p.State.State == "open" {
				open = true
				break
			}
		}
		if !open {
			continue
		}
		for _, addr := range host.Addresses {
			up[addr.Addr] = struct{}{}
		}
		for _, name := range host.Hostnames {
			up[name.Name] = struct{}{}
		}
	}
	return up
}
