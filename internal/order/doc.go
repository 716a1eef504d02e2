// Package order decides when a multicast payload may be handed to the
// application.
//
// Under the TOTAL and CAUSAL guarantees every message travels the ring twice:
// once carrying its payload (the data lap) and once more as an
// acknowledgement (the ack lap). Each peer keeps every copy it observes in a
// min-heap ordered by Lamport timestamp, origin address and ack flag, and
// delivers a payload only when the two smallest entries are the two copies of
// the same message. Since every peer applies the same rule to the same set of
// timestamps, every peer delivers in the same order.
//
// Under NONE and FIFO a message makes a single lap and is delivered the first
// time a peer sees it.
package order
