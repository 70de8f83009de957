package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ErrInvalid marks configuration failures that must stop the pipeline before
// any batch work starts: a required key is absent or a value does not parse
// as its declared type.
var ErrInvalid = errors.New("config invalid")

// Value is one config row as stored: raw text plus its declared type.
type Value struct {
	Raw  string
	Type ValueType
}

// Fingerprint is a cheap change marker for the config table. Two snapshots
// with equal fingerprints are treated as identical without row comparison.
type Fingerprint struct {
	Rows       int64
	MaxUpdated time.Time
}

func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Rows == other.Rows && f.MaxUpdated.Equal(other.MaxUpdated)
}

// Source supplies config snapshots. The sqlite store implements it; tests
// substitute an in-memory map.
type Source interface {
	ConfigSnapshot(ctx context.Context) (map[string]Value, Fingerprint, error)
}

// Loader caches a snapshot of the config table and serves typed reads from
// memory. Refresh is explicit: the orchestrator refreshes once per batch, so
// a batch always sees a single consistent configuration.
type Loader struct {
	src Source

	mu      sync.RWMutex
	values  map[string]Value
	fp      Fingerprint
	loaded  bool
	version int64
}

func NewLoader(src Source) *Loader {
	return &Loader{src: src, values: map[string]Value{}}
}

// Refresh unconditionally replaces the cached snapshot.
func (l *Loader) Refresh(ctx context.Context) error {
	values, fp, err := l.src.ConfigSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("refresh config: %w", err)
	}
	l.mu.Lock()
	l.values = values
	l.fp = fp
	l.loaded = true
	l.version++
	l.mu.Unlock()
	return nil
}

// RefreshIfChanged reloads only when the source fingerprint differs from the
// cached one. It reports whether a reload happened.
func (l *Loader) RefreshIfChanged(ctx context.Context) (bool, error) {
	values, fp, err := l.src.ConfigSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("refresh config: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded && l.fp.Equal(fp) {
		return false, nil
	}
	l.values = values
	l.fp = fp
	l.loaded = true
	l.version++
	return true, nil
}

// Invalidate forgets the cached fingerprint so the next RefreshIfChanged
// reloads even if the table is unchanged.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

// Version increments every time a refresh replaces the snapshot. Consumers
// that precompute derived state (the matcher's lookup cache) compare versions
// instead of re-reading every key.
func (l *Loader) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *Loader) get(key string) (Value, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[key]
	return v, ok
}

// Require verifies that every named key is present and parses as its declared
// type. Call it once at orchestrator init so bad configuration fails the run
// before any records are read.
func (l *Loader) Require(keys ...string) error {
	for _, key := range keys {
		v, ok := l.get(key)
		if !ok {
			return fmt.Errorf("%w: missing key %q", ErrInvalid, key)
		}
		switch v.Type {
		case TypeNumber:
			if _, err := strconv.ParseFloat(v.Raw, 64); err != nil {
				return fmt.Errorf("%w: key %q: %q is not a number", ErrInvalid, key, v.Raw)
			}
		case TypeBoolean:
			if _, err := strconv.ParseBool(v.Raw); err != nil {
				return fmt.Errorf("%w: key %q: %q is not a boolean", ErrInvalid, key, v.Raw)
			}
		case TypeJSON:
			if !json.Valid([]byte(v.Raw)) {
				return fmt.Errorf("%w: key %q: value is not valid JSON", ErrInvalid, key)
			}
		case TypeString:
		default:
			return fmt.Errorf("%w: key %q: unknown type %q", ErrInvalid, key, v.Type)
		}
	}
	return nil
}

// String returns the raw value of a string-typed key.
func (l *Loader) String(key string) (string, error) {
	v, ok := l.get(key)
	if !ok {
		return "", fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	if v.Type != TypeString {
		return "", fmt.Errorf("%w: key %q has type %s, want string", ErrInvalid, key, v.Type)
	}
	return v.Raw, nil
}

// StringOr is String with a fallback for absent keys. Type mismatches still fail.
func (l *Loader) StringOr(key, fallback string) (string, error) {
	if _, ok := l.get(key); !ok {
		return fallback, nil
	}
	return l.String(key)
}

// Number returns a number-typed key parsed as float64.
func (l *Loader) Number(key string) (float64, error) {
	v, ok := l.get(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	if v.Type != TypeNumber {
		return 0, fmt.Errorf("%w: key %q has type %s, want number", ErrInvalid, key, v.Type)
	}
	n, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %q is not a number", ErrInvalid, key, v.Raw)
	}
	return n, nil
}

// NumberOr is Number with a fallback for absent keys.
func (l *Loader) NumberOr(key string, fallback float64) (float64, error) {
	if _, ok := l.get(key); !ok {
		return fallback, nil
	}
	return l.Number(key)
}

// Int returns a number-typed key as int, rejecting fractional values.
func (l *Loader) Int(key string) (int, error) {
	n, err := l.Number(key)
	if err != nil {
		return 0, err
	}
	i := int(n)
	if float64(i) != n {
		return 0, fmt.Errorf("%w: key %q: %v is not an integer", ErrInvalid, key, n)
	}
	return i, nil
}

// Bool returns a boolean-typed key.
func (l *Loader) Bool(key string) (bool, error) {
	v, ok := l.get(key)
	if !ok {
		return false, fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	if v.Type != TypeBoolean {
		return false, fmt.Errorf("%w: key %q has type %s, want boolean", ErrInvalid, key, v.Type)
	}
	b, err := strconv.ParseBool(v.Raw)
	if err != nil {
		return false, fmt.Errorf("%w: key %q: %q is not a boolean", ErrInvalid, key, v.Raw)
	}
	return b, nil
}

// BoolOr is Bool with a fallback for absent keys.
func (l *Loader) BoolOr(key string, fallback bool) (bool, error) {
	if _, ok := l.get(key); !ok {
		return fallback, nil
	}
	return l.Bool(key)
}

// JSON unmarshals a json-typed key into dst.
func (l *Loader) JSON(key string, dst any) error {
	v, ok := l.get(key)
	if !ok {
		return fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	if v.Type != TypeJSON {
		return fmt.Errorf("%w: key %q has type %s, want json", ErrInvalid, key, v.Type)
	}
	if err := json.Unmarshal([]byte(v.Raw), dst); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrInvalid, key, err)
	}
	return nil
}

// StringList reads a json-typed key holding an array of strings.
func (l *Loader) StringList(key string) ([]string, error) {
	var out []string
	if err := l.JSON(key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StringMap reads a json-typed key holding a string-to-string object.
func (l *Loader) StringMap(key string) (map[string]string, error) {
	out := map[string]string{}
	if err := l.JSON(key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FloatMap reads a json-typed key holding a string-to-number object.
func (l *Loader) FloatMap(key string) (map[string]float64, error) {
	out := map[string]float64{}
	if err := l.JSON(key, &out); err != nil {
		return nil, err
	}
	return out, nil
}
