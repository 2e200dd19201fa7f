// Package settings provides namespaced persistent device settings.
//
// Settings live in a [Store], a flat key-value store whose keys are
// "namespace:key" strings. A [Settings] value is a view over one namespace
// with typed getters that fall back to a default, mirroring how a device reads
// its non-volatile storage. Values are encoded with msgpack.
package settings

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("settings: not found")

// Separator joins a namespace and a key.
const Separator = ':'

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a flat key-value store.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List iterates over all entries whose key starts with prefix, in
	// lexicographic key order.
	List(ctx context.Context, prefix string) iter.Seq2[Entry, error]

	// Close releases any resources held by the store.
	Close() error
}

func join(namespace, key string) string {
	return namespace + string(Separator) + key
}

func namespacePrefix(namespace string) string {
	return namespace + string(Separator)
}

func trimNamespace(namespace, key string) string {
	return strings.TrimPrefix(key, namespacePrefix(namespace))
}
