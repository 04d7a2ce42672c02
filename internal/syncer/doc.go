// Package syncer drains the durable queue to the remote endpoint.
//
// Each Drain pass reads one batch in queue order, records an attempt before
// every send, removes records the remote confirmed, and finally purges
// records whose retry budget is spent. The purge count is reported so
// permanent failures are counted, never silently dropped.
package syncer
