package settings

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
)

// Settings is a view over one namespace of a Store.
//
// Getters never fail: a missing key, a store error or a value of the wrong
// type yields the default. Setters report store errors.
type Settings struct {
	store     Store
	namespace string
	logger    *slog.Logger
}

// New returns the namespace view.
func New(store Store, namespace string) *Settings {
	return &Settings{store: store, namespace: namespace, logger: slog.Default()}
}

// Namespace returns the namespace name.
func (s *Settings) Namespace() string {
	return s.namespace
}

func (s *Settings) get(key string, v any) bool {
	b, err := s.store.Get(context.Background(), join(s.namespace, key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("settings: get", "namespace", s.namespace, "key", key, "error", err)
		}
		return false
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		s.logger.Warn("settings: decode", "namespace", s.namespace, "key", key, "error", err)
		return false
	}
	return true
}

func (s *Settings) set(key string, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.Set(context.Background(), join(s.namespace, key), b)
}

// GetString returns the string at key or def.
func (s *Settings) GetString(key, def string) string {
	var v string
	if !s.get(key, &v) {
		return def
	}
	return v
}

func (s *Settings) SetString(key, value string) error {
	return s.set(key, value)
}

// GetInt returns the integer at key or def.
func (s *Settings) GetInt(key string, def int64) int64 {
	var v int64
	if !s.get(key, &v) {
		return def
	}
	return v
}

func (s *Settings) SetInt(key string, value int64) error {
	return s.set(key, value)
}

// GetBool returns the boolean at key or def.
func (s *Settings) GetBool(key string, def bool) bool {
	var v bool
	if !s.get(key, &v) {
		return def
	}
	return v
}

func (s *Settings) SetBool(key string, value bool) error {
	return s.set(key, value)
}

// Has reports whether key is set.
func (s *Settings) Has(key string) bool {
	_, err := s.store.Get(context.Background(), join(s.namespace, key))
	return err == nil
}

// EraseKey removes key.
func (s *Settings) EraseKey(key string) error {
	return s.store.Delete(context.Background(), join(s.namespace, key))
}

// EraseAll removes every key in the namespace.
func (s *Settings) EraseAll() error {
	ctx := context.Background()
	var keys []string
	for e, err := range s.store.List(ctx, namespacePrefix(s.namespace)) {
		if err != nil {
			return err
		}
		keys = append(keys, e.Key)
	}
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Keys lists the keys in the namespace without the namespace prefix.
func (s *Settings) Keys() ([]string, error) {
	var keys []string
	for e, err := range s.store.List(context.Background(), namespacePrefix(s.namespace)) {
		if err != nil {
			return nil, err
		}
		keys = append(keys, trimNamespace(s.namespace, e.Key))
	}
	return keys, nil
}
