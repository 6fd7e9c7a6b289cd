package mineragent

import (
	"context"

	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrUnknownVendor marks a reachable host no adapter recognised.
var ErrUnknownVendor = errors.New("unknown vendor")

// Registry holds one adapter per vendor in classification precedence order.
// The order is the registration order; the default fleet registers
// antminer, avalon, bluestar.
type Registry struct {
	adapters []miner.Adapter
	byVendor map[miner.Vendor]miner.Adapter
}

// NewRegistry registers adapters in the given precedence order.
func NewRegistry(adapters ...miner.Adapter) (*Registry, error) {
	r := &Registry{byVendor: make(map[miner.Vendor]miner.Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("registry: nil adapter")
		}
		v := a.Vendor()
		if v == "" || v == miner.VendorUnknown {
			return nil, errors.Errorf("registry: adapter reports invalid vendor %q", v)
		}
		if _, dup := r.byVendor[v]; dup {
			return nil, errors.Errorf("registry: duplicate adapter for vendor %s", v)
		}
		r.byVendor[v] = a
		r.adapters = append(r.adapters, a)
	}
	if len(r.adapters) == 0 {
		return nil, errors.New("registry: no adapters registered")
	}
	return r, nil
}

// Adapter returns the adapter registered for v.
func (r *Registry) Adapter(v miner.Vendor) (miner.Adapter, bool) {
	a, ok := r.byVendor[v]
	return a, ok
}

// Vendors lists vendors in precedence order.
func (r *Registry) Vendors() []miner.Vendor {
	out := make([]miner.Vendor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Vendor())
	}
	return out
}

// Classify probes addr with each adapter in precedence order and returns the
// first vendor that matches. No match is (VendorUnknown, nil) unless every
// probe failed to reach the host, which yields an Unreachable error.
func (r *Registry) Classify(ctx context.Context, addr string) (miner.Vendor, error) {
	reachable := false
	var lastErr error
	for _, a := range r.adapters {
		if err := ctx.Err(); err != nil {
			return miner.VendorUnknown, err
		}
		ok, err := a.Identify(ctx, addr)
		if err == nil {
			reachable = true
			if ok {
				return a.Vendor(), nil
			}
			continue
		}
		lastErr = err
		if !miner.IsUnreachable(err) {
			reachable = true
		}
		log.Debug().Err(err).Str("address", addr).Str("vendor", string(a.Vendor())).Msg("classify probe failed")
	}
	if !reachable {
		return miner.VendorUnknown, errors.Wrap(lastErr, "classify")
	}
	return miner.VendorUnknown, nil
}

// resolve picks the adapter for addr, trusting the inventory vendor and
// classifying only devices the inventory has never seen.
func (r *Registry) resolve(ctx context.Context, inv *Inventory, addr string) (miner.Adapter, error) {
	if inv != nil {
		if info, ok := inv.Get(addr); ok && info.Vendor != miner.VendorUnknown {
			if a, ok := r.Adapter(info.Vendor); ok {
				return a, nil
			}
		}
	}
	v, err := r.Classify(ctx, addr)
	if err != nil {
		return nil, err
	}
	a, ok := r.Adapter(v)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVendor, "resolve %s", addr)
	}
	return a, nil
}
