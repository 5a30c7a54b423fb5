// Package warehouse wraps a warehouse adapter with the pipeline's failure
// policy: transient infrastructure errors are retried with exponential
// backoff, deadline expiry becomes a core.TimeoutError, and everything else
// is returned unchanged for the orchestrator to classify.
package warehouse
