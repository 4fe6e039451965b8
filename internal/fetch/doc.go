// Package fetch downloads one clip from one camera endpoint.
//
// Each request carries a cache-busting query parameter derived from the
// cycle timestamp, so intermediate caches never serve a previous cycle's
// clip. The response body is streamed to the destination file through a
// fixed-size buffer; clip sizes are unknown in advance and are never held in
// memory.
//
// Failures are values, not errors: Fetch always returns an Outcome, and a
// failed Outcome affects only the source it belongs to. A partially written
// file is left in place and reported as a failure.
//
// # Cache-buster formats
//
//	rfc3339  2024-03-01T08:15:30-03:00   (default)
//	unix     1709291730
//	ticks    638448885300000000          (100ns intervals since 0001-01-01 UTC)
package fetch
