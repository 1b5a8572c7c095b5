// Package util provides small building blocks shared by the storage engine
// and the server runtime.
//
// The package contains:
//   - mapheap: a keyed min-heap used to rank eviction candidates
//   - statistics: summary statistics and a SizeHistogram of live item sizes
//   - functions: seed/key generation and size helpers
package util
