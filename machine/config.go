package machine

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/nomis52/goactivity/dispatch"
)

// Configuration carries the inputs of a builder: the selector naming the
// builder and an open data bag of actors, targets and timeouts.
type Configuration struct {
	// Selector names the builder in a registry
	Selector string

	// Dispatcher, when set, is shared by the machine instead of starting
	// its own
	Dispatcher *dispatch.Dispatcher

	// Logger, when set, is the base logger of the created machine
	Logger *slog.Logger

	// ID, when set, is the id given to the created machine by an engine
	ID uuid.UUID

	mu   sync.RWMutex
	data map[string]any
}

// NewConfiguration returns a configuration over a copy of data.
func NewConfiguration(selector string, data map[string]any) *Configuration {
	c := &Configuration{Selector: selector, data: make(map[string]any, len(data))}
	maps.Copy(c.data, data)
	return c
}

// HasKey reports whether key is present.
func (c *Configuration) HasKey(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[key]
	return ok
}

// HasValue reports whether key is present with a non-nil value.
func (c *Configuration) HasValue(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return ok && v != nil
}

// Get returns the value of key.
func (c *Configuration) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set stores value under key.
func (c *Configuration) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

// Data returns a copy of the data bag.
func (c *Configuration) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// Decode decodes the data bag into out, a pointer to a struct using
// mapstructure tags. Durations may be given as strings such as "5s".
func (c *Configuration) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(c.Data()); err != nil {
		return fmt.Errorf("failed to decode configuration %q: %w", c.Selector, err)
	}
	return nil
}

// Lookup returns the value of key as a T.
func Lookup[T any](c *Configuration, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
