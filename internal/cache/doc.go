// Package cache defines the key-addressed backend contract shared by every
// artifact store, the scoped lease helpers built on top of it, the default
// directory⇄archive packing, and the directory backend that realizes the
// contract on a shared filesystem tree. All mutations of a key happen while
// its lease is held; the lease is an OS advisory lock on the artifact file
// itself, so independent processes serialize without a coordinating server.
package cache
