// Package clock provides a Lamport logical clock. Peers stamp every message
// they originate with the clock and advance it on every message they observe,
// so that timestamps are consistent with the happened-before relation.
package clock
