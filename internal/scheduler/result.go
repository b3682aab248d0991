package scheduler

import (
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// LoadResult is the terminal outcome of one resource.
type LoadResult struct {
	ID       string
	Status   Status
	Bytes    int64
	Attempts int
	CacheHit bool
	Err      error
	Duration time.Duration
}

// BatchResult holds one result per input resource, in dispatch order.
type BatchResult struct {
	BatchID                string
	Policy                 Policy
	Results                []LoadResult
	MaxObservedConcurrency int
	BatchSize              int
	Batches                int
	Elapsed                time.Duration
}

func (r *BatchResult) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Bytes sums the bytes of succeeded results.
func (r *BatchResult) Bytes() int64 {
	var total int64
	for _, res := range r.Results {
		if res.Status == StatusSucceeded {
			total += res.Bytes
		}
	}
	return total
}

func (r *BatchResult) CacheHits() int {
	n := 0
	for _, res := range r.Results {
		if res.CacheHit {
			n++
		}
	}
	return n
}

// Result returns the outcome for id.
func (r *BatchResult) Result(id string) (LoadResult, bool) {
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return LoadResult{}, false
}

// IDs returns result ids in dispatch order.
func (r *BatchResult) IDs() []string {
	ids := make([]string, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.ID
	}
	return ids
}
