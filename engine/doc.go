// Package engine wraps the order book with the locking, clocks and
// side effects the book itself stays free of. It owns the admission
// sequencer, applies every mutation under a single write lock, serves
// snapshots under the read lock, and fans accepted work out to the
// journal, the trade tape, metrics and the trade sink.
package engine
