// Package cache holds the local durable copy of the remote task
// collection. Every Store replaces its whole content atomically, so
// readers observe either the previous snapshot or the new one.
package cache
