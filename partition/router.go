// Package partition implements the deterministic mapping from a vertex (or
// message destination) key onto one of P partitions. The hash used here
// must match the one used by the log layer's own producer partitioner so
// that a message routed directly by the engine lands on exactly the
// partition the durable log would have chosen for the same key.
package partition

import (
	"hash/fnv"

	"golang.org/x/xerrors"
)

// Router maps keys to a fixed number of partitions.
type Router struct {
	count int
}

// NewRouter creates a router over count partitions. count must be positive.
func NewRouter(count int) (*Router, error) {
	if count <= 0 {
		return nil, xerrors.Errorf("partition count must be positive, got %d", count)
	}
	return &Router{count: count}, nil
}

// Count returns the number of partitions this router was configured with.
func (r *Router) Count() int { return r.count }

// Of returns the partition owning key: the FNV-1a/32 hash of key (the hash
// sarama's default partitioner also uses), read as int32 and folded into
// [0, count) by positiveMod. sarama's default folds negative hashes
// differently, so streamlog/saramalog produces with explicit partitions
// from this router instead of relying on the client's partitioner.
func (r *Router) Of(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return positiveMod(int32(h.Sum32()), r.count)
}

// OfString is a convenience wrapper around Of for string keys.
func (r *Router) OfString(key string) int {
	return r.Of([]byte(key))
}

// positiveMod returns n mod m, folded into [0, m) even when n is negative
// (hash values read back as int32 can be negative).
func positiveMod(n int32, m int) int {
	v := int(n) % m
	if v < 0 {
		v += m
	}
	return v
}
