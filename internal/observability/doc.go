// Package observability provides logging, metrics, and per-invocation issue
// recording for the Document Digest Service.
//
// Logging is built on zerolog with structured context helpers for digest,
// item, task, and callback fields. Metrics are Prometheus collectors
// registered against a caller-supplied registerer so tests can use isolated
// registries. The IssueRecorder collects non-fatal processing issues for a
// single digest run and is never shared across invocations.
package observability
