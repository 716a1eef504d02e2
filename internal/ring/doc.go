// Package ring models a peer's position in the logical unidirectional ring:
// its own address and the addresses of its successor (next) and predecessor
// (prev). It also provides the checks used to verify that a set of peers
// forms exactly one cycle.
package ring
