package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
)

// DepositStore reads the user's positions. The compliance engine is the only
// pipeline consumer and treats the table as read-only; Insert exists for the
// CLI importer and tests.
type DepositStore struct {
	db *DB
}

func NewDepositStore(db *DB) *DepositStore {
	return &DepositStore{db: db}
}

// Active returns active deposits in id order.
func (s *DepositStore) Active(ctx context.Context) ([]contracts.Deposit, error) {
	return s.query(ctx,
		`SELECT id, regulator_id, bank, balance, sub_type, aer_rate, is_joint_account, is_active
		 FROM deposits WHERE is_active = 1 ORDER BY id`)
}

// All returns every deposit, active or not.
func (s *DepositStore) All(ctx context.Context) ([]contracts.Deposit, error) {
	return s.query(ctx,
		`SELECT id, regulator_id, bank, balance, sub_type, aer_rate, is_joint_account, is_active
		 FROM deposits ORDER BY id`)
}

func (s *DepositStore) query(ctx context.Context, q string, args ...any) ([]contracts.Deposit, error) {
	rows, err := s.db.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Deposit
	for rows.Next() {
		var (
			d    contracts.Deposit
			rate sql.NullFloat64
		)
		if err := rows.Scan(&d.ID, &d.RegulatorID, &d.Bank, &d.Balance, &d.SubType,
			&rate, &d.IsJoint, &d.IsActive); err != nil {
			return nil, fmt.Errorf("scan deposit row: %w", err)
		}
		d.AERRate = floatPtr(rate)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposits: %w", err)
	}
	return out, nil
}

// Insert adds a deposit and returns its id.
func (s *DepositStore) Insert(ctx context.Context, d contracts.Deposit) (int64, error) {
	res, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO deposits (regulator_id, bank, balance, sub_type, aer_rate,
			is_joint_account, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RegulatorID, d.Bank, d.Balance, d.SubType, nullFloat(d.AERRate),
		d.IsJoint, d.IsActive)
	if err != nil {
		return 0, fmt.Errorf("insert deposit for %s: %w", d.RegulatorID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("deposit id: %w", err)
	}
	return id, nil
}

// SetActive toggles a deposit without deleting its history.
func (s *DepositStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE deposits SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set deposit active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deposit %d: %w", id, ErrNotFound)
	}
	return nil
}
