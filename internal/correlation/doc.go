// Package correlation holds the transient records that bridge an operation's
// entry observation to its later observations.
//
// Records are keyed by an execution context key (thread id, or the address of
// the kernel object the operation works on). Keys are reused over time, so the
// store follows three rules:
//
//   - Begin overwrites. A new entry for a live key supersedes the old record
//     and gets a fresh epoch; latency is then measured from the new Begin.
//   - Resolve removes. Only the terminal observation takes the record out.
//   - Update never removes and never reorders. Intermediate observations
//     rewrite the value in place.
//
// The store is bounded. Record slots are allocated once in New; when a shard
// runs out the configured Policy either evicts the record with the oldest
// Begin or rejects the new key. Eviction is the only reclamation of orphaned
// records besides the optional Reap sweep, because the kernel never tells us
// that an execution context died mid-operation.
//
// With Shards > 1 the bound and the eviction order are per shard: the oldest
// record of the key's shard is evicted, not the globally oldest one.
package correlation
