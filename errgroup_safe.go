package mineragent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// forEachDevice runs fn for every address with at most workers in flight.
//
// Notes:
//   - fn never aborts siblings: the group is not derived from ctx, errors are
//     captured per device by fn itself.
//   - Once ctx is cancelled no new device is started; skipped is called for
//     each address that never ran so outcome maps stay complete.
//   - In-flight calls receive a context detached from ctx cancellation and
//     finish within their own adapter timeouts, so shared state is never left
//     half-written.
func forEachDevice(ctx context.Context, addrs []string, workers int, fn func(ctx context.Context, addr string), skipped func(addr string)) {
	if workers <= 0 {
		workers = 1
	}
	taskCtx := context.WithoutCancel(ctx)
	var group errgroup.Group
	group.SetLimit(workers)
	for i, addr := range addrs {
		if ctx.Err() != nil {
			if skipped != nil {
				for _, rest := range addrs[i:] {
					skipped(rest)
				}
			}
			break
		}
		addr := addr
		group.Go(func() error {
			// the slot may have been granted after cancellation
			if ctx.Err() != nil {
				if skipped != nil {
					skipped(addr)
				}
				return nil
			}
			fn(taskCtx, addr)
			return nil
		})
	}
	_ = group.Wait()
}

// runSafe calls fn and converts a panic into an error so one misbehaving
// adapter cannot take down a fleet-wide batch.
//
// We intentionally avoid structured logging here: panics may be caused by the
// logger itself, so printing to stderr is the safest fallback.
func runSafe(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
			err = errors.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}
