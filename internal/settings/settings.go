// Package settings exposes the runtime-tunable intervals of the background
// loops. Values live in the settings table and fall back to configured defaults.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Known setting keys.
const (
	KeyHealthCheckInterval        = "health_check_interval_seconds"
	KeyResourceMonitoringInterval = "resource_monitoring_interval_seconds"
)

// Built-in defaults used when neither the store nor the config provide a value.
const (
	DefaultHealthCheckInterval        = 60 * time.Second
	DefaultResourceMonitoringInterval = 30 * time.Second
)

// ErrNotFound is returned by a Store for keys that were never set.
var ErrNotFound = errors.New("setting not found")

// ErrInvalid is returned for unknown keys or malformed values.
var ErrInvalid = errors.New("invalid setting")

// Store persists raw key/value settings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	List(ctx context.Context) (map[string]string, error)
}

// Source provides loop intervals. On error the returned duration is still
// usable: it is the fallback the caller should run with.
type Source interface {
	HealthCheckInterval(ctx context.Context) (time.Duration, error)
	ResourceMonitoringInterval(ctx context.Context) (time.Duration, error)
}

// Defaults are the intervals used when a key is unset or unreadable.
type Defaults struct {
	HealthCheckInterval        time.Duration
	ResourceMonitoringInterval time.Duration
}

func (d Defaults) withBuiltins() Defaults {
	if d.HealthCheckInterval <= 0 {
		d.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if d.ResourceMonitoringInterval <= 0 {
		d.ResourceMonitoringInterval = DefaultResourceMonitoringInterval
	}
	return d
}

// StoreSource reads intervals from a Store on every call.
type StoreSource struct {
	store    Store
	defaults Defaults
}

// NewStoreSource creates a Source backed by store. Zero defaults take the built-in values.
func NewStoreSource(store Store, defaults Defaults) *StoreSource {
	return &StoreSource{store: store, defaults: defaults.withBuiltins()}
}

func (s *StoreSource) HealthCheckInterval(ctx context.Context) (time.Duration, error) {
	return s.seconds(ctx, KeyHealthCheckInterval, s.defaults.HealthCheckInterval)
}

func (s *StoreSource) ResourceMonitoringInterval(ctx context.Context) (time.Duration, error) {
	return s.seconds(ctx, KeyResourceMonitoringInterval, s.defaults.ResourceMonitoringInterval)
}

func (s *StoreSource) seconds(ctx context.Context, key string, fallback time.Duration) (time.Duration, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("reading setting %s: %w", key, err)
	}
	d, err := parseSeconds(raw)
	if err != nil {
		return fallback, fmt.Errorf("setting %s: %w", key, err)
	}
	return d, nil
}

// Static is a Source with fixed intervals. Zero fields take the built-in values.
type Static struct {
	Health  time.Duration
	Monitor time.Duration
}

func (s Static) defaults() Defaults {
	return Defaults{HealthCheckInterval: s.Health, ResourceMonitoringInterval: s.Monitor}.withBuiltins()
}

func (s Static) HealthCheckInterval(context.Context) (time.Duration, error) {
	return s.defaults().HealthCheckInterval, nil
}

func (s Static) ResourceMonitoringInterval(context.Context) (time.Duration, error) {
	return s.defaults().ResourceMonitoringInterval, nil
}

// Validate checks that key is known and value is a positive number of seconds.
func Validate(key, value string) error {
	switch key {
	case KeyHealthCheckInterval, KeyResourceMonitoringInterval:
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}
	_, err := parseSeconds(value)
	return err
}

// Keys lists the known setting keys.
func Keys() []string {
	return []string{KeyHealthCheckInterval, KeyResourceMonitoringInterval}
}

func parseSeconds(raw string) (time.Duration, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive number of seconds", ErrInvalid, raw)
	}
	return time.Duration(n) * time.Second, nil
}
