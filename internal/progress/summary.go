package progress

import (
	"fmt"
	"io"
	"strconv"

	"github.com/sheerbytes/assetflux/internal/scheduler"
)

// Summarize writes an end-of-run report for r. verbose adds one row per
// resource.
func Summarize(w io.Writer, r *scheduler.BatchResult, verbose bool) {
	fmt.Fprintf(w, "batch %s policy=%s batch_size=%d batches=%d\n", r.BatchID, r.Policy, r.BatchSize, r.Batches)
	renderTable(w,
		[]string{"resources", "succeeded", "failed", "cancelled", "cache hits", "bytes", "peak concurrency", "elapsed"},
		[][]string{{
			strconv.Itoa(len(r.Results)),
			strconv.Itoa(r.Count(scheduler.StatusSucceeded)),
			strconv.Itoa(r.Count(scheduler.StatusFailed)),
			strconv.Itoa(r.Count(scheduler.StatusCancelled)),
			strconv.Itoa(r.CacheHits()),
			FormatBytes(r.Bytes()),
			strconv.Itoa(r.MaxObservedConcurrency),
			formatDuration(r.Elapsed),
		}},
	)
	if !verbose {
		failed := make([][]string, 0)
		for i, res := range r.Results {
			if res.Status != scheduler.StatusSucceeded {
				failed = append(failed, resultRow(i, res))
			}
		}
		if len(failed) > 0 {
			renderTable(w, resultHeaders, failed)
		}
		return
	}
	rows := make([][]string, 0, len(r.Results))
	for i, res := range r.Results {
		rows = append(rows, resultRow(i, res))
	}
	renderTable(w, resultHeaders, rows)
}

var resultHeaders = []string{"#", "id", "status", "attempts", "bytes", "cache", "duration", "error"}

// resultRow numbers rows by dispatch position.
func resultRow(i int, res scheduler.LoadResult) []string {
	cache := ""
	if res.CacheHit {
		cache = "hit"
	}
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
	}
	return []string{strconv.Itoa(i + 1), res.ID, string(res.Status), strconv.Itoa(res.Attempts), FormatBytes(res.Bytes), cache, formatDuration(res.Duration), errText}
}
