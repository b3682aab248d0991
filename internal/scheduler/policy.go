package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sheerbytes/assetflux/pkg/resource"
)

// Policy selects the dispatch order of a load.
type Policy string

const (
	PolicyInsertion  Policy = "insertion"
	PolicyPriority   Policy = "priority"
	PolicySmart      Policy = "smart"
	PolicyVisibility Policy = "visibility"
	PolicyAdaptive   Policy = "adaptive"
)

var policies = []Policy{PolicyInsertion, PolicyPriority, PolicySmart, PolicyVisibility, PolicyAdaptive}

func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PolicyInsertion, nil
	}
	for _, known := range policies {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Order returns a new slice with resources in dispatch order for p. The input
// is not modified. Ties always fall back to input order.
func Order(p Policy, resources []resource.Descriptor) []resource.Descriptor {
	out := make([]resource.Descriptor, len(resources))
	copy(out, resources)
	switch p {
	case PolicyPriority:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Priority > out[j].Priority
		})
	case PolicySmart:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			// Unknown size (0) sorts as smallest.
			return out[i].SizeBytes < out[j].SizeBytes
		})
	case PolicyVisibility:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Visible && !out[j].Visible
		})
	}
	return out
}

// partition splits ordered into consecutive groups of at most size items.
func partition(ordered []resource.Descriptor, size int) [][]resource.Descriptor {
	if size < 1 {
		size = 1
	}
	groups := make([][]resource.Descriptor, 0, (len(ordered)+size-1)/size)
	for start := 0; start < len(ordered); start += size {
		end := start + size
		if end > len(ordered) {
			end = len(ordered)
		}
		groups = append(groups, ordered[start:end])
	}
	return groups
}
