// Package lock provides distributed, ownership-checked locks over a shared
// store. Every acquisition carries a unique token; release and extension
// only take effect while the caller still holds that token, so a lock that
// expired and was re-acquired by someone else cannot be clobbered. Locks
// always carry a TTL to avoid deadlocks when a holder dies.
package lock
