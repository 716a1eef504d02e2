// Package node is the multicast queue facade. A Node joins a logical ring of
// peers, multicasts payloads with Put and hands delivered payloads to Poll in
// the order chosen by the group's delivery guarantee.
//
// Each Node owns one Sender bound to its successor, one Receiver, and a single
// receive loop that applies membership changes and runs the ordering engine.
package node
