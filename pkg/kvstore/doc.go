// Package kvstore provides expiring key/value storage backends.
//
// Invariants:
// - A key whose TTL has elapsed is indistinguishable from a key never written.
// - SetWithExpiry with ttl <= 0 stores the value without expiry.
// - Get on a missing key returns found=false and a nil error.
//
// Usage:
//
//	store, err := kvstore.Open(kvstore.Config{Driver: "sqlite", Path: "/var/lib/curie/kv.db"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//	err = store.SetWithExpiry(ctx, "conversation:u1", payload, 24*time.Hour)
package kvstore
