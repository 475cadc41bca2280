package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	datasetSplitsCreated atomic.Int64
	datasetExports       atomic.Int64
	datasetExportFailed  atomic.Int64
	datasetLinesExported atomic.Int64
	datasetTokens        atomic.Int64
	taskCacheHits        atomic.Int64
	taskCacheMisses      atomic.Int64
)

func ObserveSplitCreated() {
	datasetSplitsCreated.Add(1)
}

func ObserveExport(lines, tokens int) {
	datasetExports.Add(1)
	datasetLinesExported.Add(int64(lines))
	datasetTokens.Add(int64(tokens))
}

func ObserveExportFailed() {
	datasetExportFailed.Add(1)
}

func ObserveTaskCache(hit bool) {
	if hit {
		taskCacheHits.Add(1)
		return
	}
	taskCacheMisses.Add(1)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	counter(w, "kiln_dataset_splits_created_total", "Number of dataset splits created.", datasetSplitsCreated.Load())
	counter(w, "kiln_dataset_exports_total", "Number of fine-tune dataset files written.", datasetExports.Load())
	counter(w, "kiln_dataset_export_failures_total", "Number of dataset exports aborted by an error.", datasetExportFailed.Load())
	counter(w, "kiln_dataset_exported_lines_total", "Number of JSONL records written across all exports.", datasetLinesExported.Load())
	counter(w, "kiln_dataset_exported_tokens_total", "Number of cl100k_base tokens written across all exports.", datasetTokens.Load())
	counter(w, "kiln_task_cache_hits_total", "Number of task snapshot cache hits.", taskCacheHits.Load())
	counter(w, "kiln_task_cache_misses_total", "Number of task snapshot cache misses.", taskCacheMisses.Load())
}

func counter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
