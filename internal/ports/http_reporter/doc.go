// Package http_reporter serves recorded measurements over HTTP: listings,
// grouped summaries, single records, time series and method distribution,
// plus the dump and delete administration endpoints and the profiler's own
// Prometheus metrics.
//
// Every route sits behind the configured access gate and answers with
// "X-Robots-Tag: noindex, nofollow".
package http_reporter
