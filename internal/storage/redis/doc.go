// Package redis provides the Redis-backed pieces of the runtime: session
// snapshot persistence and the cross-process session run lock.
package redis
