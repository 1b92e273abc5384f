package lockstep

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/graph"
)

// ErrFanIn is returned when a dataset has several parents and the fan-in
// policy rejects that.
var ErrFanIn = errors.New("dataset has more than one parent")

// FanIn selects which parents gate a dataset that has more than one.
type FanIn string

const (
	// FanInFirst gates on the first parent only and logs a warning.
	FanInFirst FanIn = "first"
	// FanInAll gates on every parent.
	FanInAll FanIn = "all"
	// FanInReject refuses multi-parent datasets.
	FanInReject FanIn = "reject"
)

// ParseFanIn validates a policy name. The empty string selects FanInFirst.
func ParseFanIn(s string) (FanIn, error) {
	switch FanIn(s) {
	case "", FanInFirst:
		return FanInFirst, nil
	case FanInAll, FanInReject:
		return FanIn(s), nil
	default:
		return "", fmt.Errorf("unknown fan-in policy '%s' (want first, all or reject)", s)
	}
}

// GatingParents returns the parents whose results gate d under the policy.
// It is total over any number of parents: none yields nil, one yields that
// parent, and several are resolved by the policy.
func GatingParents(ctx context.Context, view graph.View[dataset.Dataset], d dataset.Dataset, policy FanIn) ([]dataset.Dataset, error) {
	parents := view.ParentsOf(d)
	if len(parents) <= 1 {
		return parents, nil
	}
	names := make([]string, len(parents))
	for i, p := range parents {
		names[i] = p.Name()
	}
	switch policy {
	case FanInAll:
		return parents, nil
	case FanInReject:
		return nil, fmt.Errorf("dataset '%s' (parents %v): %w", d.Name(), names, ErrFanIn)
	default:
		ctxlog.FromContext(ctx).Warn("Dataset has more than one parent, only the first gates it.",
			"dataset", d.Name(), "parents", names, "gate", names[0])
		return parents[:1], nil
	}
}

// CheckFanIn fails with ErrFanIn when the policy is FanInReject and any
// dataset in the view has more than one parent.
func CheckFanIn(view graph.View[dataset.Dataset], policy FanIn) error {
	if policy != FanInReject {
		return nil
	}
	for _, d := range view.Datasets() {
		if n := len(view.ParentsOf(d)); n > 1 {
			return fmt.Errorf("dataset '%s' has %d parents: %w", d.Name(), n, ErrFanIn)
		}
	}
	return nil
}
