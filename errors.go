package mineragent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrPartialFleetFailure matches any PartialFleetError via errors.Is.
var ErrPartialFleetFailure = errors.New("partial fleet failure")

// PartialFleetError summarises a batch in which some devices failed. Batch
// operations never return it themselves; callers derive it from an outcome
// map when they want a single error to alert on.
type PartialFleetError struct {
	Op     string
	Total  int
	Failed []string
}

func (e *PartialFleetError) Error() string {
	shown := e.Failed
	if len(shown) > 5 {
		shown = shown[:5]
	}
	msg := fmt.Sprintf("%s: %d/%d devices failed: %s", e.Op, len(e.Failed), e.Total, strings.Join(shown, ", "))
	if len(e.Failed) > len(shown) {
		msg += ", ..."
	}
	return msg
}

func (e *PartialFleetError) Is(target error) bool { return target == ErrPartialFleetFailure }

func partialFailure(op string, total int, failed []string) error {
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return &PartialFleetError{Op: op, Total: total, Failed: failed}
}
