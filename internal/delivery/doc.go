// Package delivery owns the durable send queue and the worker that drains it.
//
// The queue end deduplicates (identity, content fingerprint, per-repo daily
// cap) and debounces; the worker end paces sends against global policy,
// retries transient failures with backoff, and permanently aborts items after
// the attempt cap. Mutual exclusion between worker instances comes entirely
// from the store's conditional-update lock lease, so restarts and concurrent
// processes cannot double-send.
package delivery
