// Package apmhttp measures net/http traffic. Wrap and Middleware record every
// served request under its route pattern; Transport records outgoing client
// requests.
//
// Both sides are idempotent: wrapping an already measured handler or
// transport returns it unchanged, so each request yields one measurement.
package apmhttp
