// Package lock implements lease-based mutual exclusion over a shared lease
// table. Leases expire on their own; holders keep them alive by acquiring
// again before expiry. Every grant and release is announced on the
// context's broadcast domain so other contexts can refresh their view.
package lock
