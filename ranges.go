package mineragent

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxScanAddresses caps one scan; a /16 is the largest fleet segment we drive.
const maxScanAddresses = 1 << 16

// ExpandRanges turns scan ranges into a de-duplicated address list. Accepted
// forms: CIDR ("10.0.0.0/24"), full range ("10.0.0.10-10.0.0.40"), last-octet
// range ("10.0.0.10-40"), single IP or host with optional port, and
// comma-separated combinations of those. Any malformed range fails the
// whole expansion.
func ExpandRanges(ranges []string) ([]string, error) {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	add := func(addr string) error {
		if _, ok := seen[addr]; ok {
			return nil
		}
		if len(out) >= maxScanAddresses {
			return errors.Errorf("scan range too large (max %d addresses)", maxScanAddresses)
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
		return nil
	}
	for _, raw := range ranges {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			addrs, err := expandRange(item)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid range %q", item)
			}
			for _, addr := range addrs {
				if err := add(addr); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no scan addresses given")
	}
	return out, nil
}

func expandRange(item string) ([]string, error) {
	switch {
	case strings.Contains(item, "/"):
		return expandCIDR(item)
	case strings.Contains(item, "-") && net.ParseIP(strings.TrimSpace(strings.SplitN(item, "-", 2)[0])) != nil:
		return expandDashRange(item)
	}
	if host, port, err := net.SplitHostPort(item); err == nil {
		if !validHost(host) {
			return nil, errors.New("invalid host")
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, errors.New("invalid port")
		}
		return []string{item}, nil
	}
	if !validHost(item) {
		return nil, errors.New("invalid host")
	}
	return []string{item}, nil
}

func expandCIDR(cidr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, errors.New("only IPv4 supported")
	}
	ones, bits := ipNet.Mask.Size()
	first := binary.BigEndian.Uint32(ip)
	last := first | ^binary.BigEndian.Uint32(ipNet.Mask)
	// network and broadcast addresses are never devices
	if bits-ones >= 2 {
		first++
		last--
	}
	return enumerate(first, last)
}

func expandDashRange(item string) ([]string, error) {
	parts := strings.SplitN(item, "-", 2)
	start := net.ParseIP(strings.TrimSpace(parts[0])).To4()
	if start == nil {
		return nil, errors.New("invalid range start")
	}
	endRaw := strings.TrimSpace(parts[1])
	var end net.IP
	if octet, err := strconv.Atoi(endRaw); err == nil {
		if octet < 0 || octet > 255 {
			return nil, errors.New("invalid range end octet")
		}
		end = net.IPv4(start[0], start[1], start[2], byte(octet)).To4()
	} else {
		end = net.ParseIP(endRaw).To4()
	}
	if end == nil {
		return nil, errors.New("invalid range end")
	}
	first, last := binary.BigEndian.Uint32(start), binary.BigEndian.Uint32(end)
	if last < first {
		return nil, errors.New("range end before start")
	}
	return enumerate(first, last)
}

func enumerate(first, last uint32) ([]string, error) {
	if uint64(last)-uint64(first)+1 > maxScanAddresses {
		return nil, errors.Errorf("range too large (max %d addresses)", maxScanAddresses)
	}
	out := make([]string, 0, last-first+1)
	buf := make(net.IP, 4)
	for n := uint64(first); n <= uint64(last); n++ {
		binary.BigEndian.PutUint32(buf, uint32(n))
		out = append(out, buf.String())
	}
	return out, nil
}

func validHost(host string) bool {
	if host == "" || strings.ContainsAny(host, " \t/") {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	// dotted numbers that failed to parse as IP are typos, not hostnames
	if strings.Trim(host, "0123456789.") == "" {
		return false
	}
	for _, r := range host {
		if !(r == '-' || r == '.' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}
