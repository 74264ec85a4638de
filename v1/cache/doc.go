// Package cache memoizes expensive computations in the shared store without
// stampedes.
//
// On a miss, Guard.GetOrCompute takes the distributed lock for the key, checks
// the store again and only then runs the computation, so concurrent callers
// across the fleet compute a value at most once per expiry. Callers that give
// up waiting for the lock get an empty result instead of an error. Values are
// encoded with a Codec (JSON by default) and can additionally be kept in a
// process-local ristretto near-cache.
package cache
