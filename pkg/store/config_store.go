package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rateloom/core/pkg/config"
)

// ConfigStore persists the typed key/value config table and implements
// config.Source for the cached loader.
type ConfigStore struct {
	db *DB
}

func NewConfigStore(db *DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// ConfigSnapshot returns every row plus the table fingerprint, read in one
// query so the fingerprint matches the values.
func (s *ConfigStore) ConfigSnapshot(ctx context.Context) (map[string]config.Value, config.Fingerprint, error) {
	var fp config.Fingerprint

	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT config_key, config_value, config_type, updated_at FROM config`)
	if err != nil {
		return nil, fp, fmt.Errorf("query config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := map[string]config.Value{}
	for rows.Next() {
		var key, raw, typ, updated string
		if err := rows.Scan(&key, &raw, &typ, &updated); err != nil {
			return nil, fp, fmt.Errorf("scan config row: %w", err)
		}
		values[key] = config.Value{Raw: raw, Type: config.ValueType(typ)}
		t, err := parseTime(updated)
		if err != nil {
			return nil, fp, err
		}
		if t.After(fp.MaxUpdated) {
			fp.MaxUpdated = t
		}
		fp.Rows++
	}
	if err := rows.Err(); err != nil {
		return nil, fp, fmt.Errorf("iterate config: %w", err)
	}
	return values, fp, nil
}

// Get returns one row's raw value and type.
func (s *ConfigStore) Get(ctx context.Context, key string) (config.Value, error) {
	var (
		v   config.Value
		typ string
	)
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT config_value, config_type FROM config WHERE config_key = ?`, key).
		Scan(&v.Raw, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("config key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("get config %q: %w", key, err)
	}
	v.Type = config.ValueType(typ)
	return v, nil
}

// Set writes one row, stamping updated_at so loader fingerprints move.
func (s *ConfigStore) Set(ctx context.Context, key, value string, typ config.ValueType) error {
	switch typ {
	case config.TypeString, config.TypeNumber, config.TypeBoolean, config.TypeJSON:
	default:
		return fmt.Errorf("%w: unknown config type %q", config.ErrInvalid, typ)
	}
	_, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO config (config_key, config_value, config_type, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(config_key) DO UPDATE SET
			config_value = excluded.config_value,
			config_type = excluded.config_type,
			updated_at = excluded.updated_at`,
		key, value, string(typ), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}
