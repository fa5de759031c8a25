package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/statestore"
	"github.com/sirupsen/logrus"
)

type store[T any] struct {
	db        *DB
	namespace string
	logger    *logrus.Logger
}

// NewStore returns a statestore.Store persisting JSON encoded values
// under namespace.
func NewStore[T any](db *DB, namespace string, logger *logrus.Logger) statestore.Store[T] {
	return &store[T]{
		db:        db,
		namespace: namespace,
		logger:    logger,
	}
}

func (s *store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	row := s.db.sqlDB.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE namespace = ? AND key = ?`, s.namespace, key)
	value, exists, err := s.scan(row)
	if err != nil {
		return zero, false, fmt.Errorf("get %s/%s: %w", s.namespace, key, err)
	}
	return value, exists, nil
}

func (s *store[T]) Update(ctx context.Context, key string, fn statestore.UpdateFunc[T]) (T, error) {
	var zero T
	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin update %s/%s: %w", s.namespace, key, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE namespace = ? AND key = ?`, s.namespace, key)
	current, exists, err := s.scan(row)
	if err != nil {
		return zero, fmt.Errorf("load %s/%s: %w", s.namespace, key, err)
	}

	next, keep, err := fn(current, exists)
	if err != nil {
		return zero, err
	}

	if keep {
		encoded, err := json.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("encode %s/%s: %w", s.namespace, key, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO checkpoints (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, s.namespace, key, encoded, time.Now().UTC().UnixMilli())
		if err != nil {
			return zero, fmt.Errorf("save %s/%s: %w", s.namespace, key, err)
		}
	} else if exists {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
			return zero, fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit %s/%s: %w", s.namespace, key, err)
	}
	return next, nil
}

func (s *store[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.sqlDB.ExecContext(ctx, `DELETE FROM checkpoints WHERE namespace = ? AND key = ?`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

func (s *store[T]) RemoveWhere(ctx context.Context, match func(key string, value T) bool) ([]string, error) {
	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cleanup %s: %w", s.namespace, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM checkpoints WHERE namespace = ?`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.namespace, err)
	}
	removed := []string{}
	for rows.Next() {
		var (
			key     string
			encoded []byte
		)
		if err := rows.Scan(&key, &encoded); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s: %w", s.namespace, err)
		}
		var value T
		if err := json.Unmarshal(encoded, &value); err != nil {
			s.logger.WithFields(logrus.Fields{
				"namespace": s.namespace,
				"key":       key,
			}).Warn("skipping undecodable checkpoint during cleanup: ", err)
			continue
		}
		if match(key, value) {
			removed = append(removed, key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate %s: %w", s.namespace, err)
	}
	rows.Close()

	for _, key := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
			return nil, fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cleanup %s: %w", s.namespace, err)
	}
	return removed, nil
}

func (s *store[T]) scan(row *sql.Row) (T, bool, error) {
	var (
		zero    T
		value   T
		encoded []byte
	)
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}
	if err := json.Unmarshal(encoded, &value); err != nil {
		return zero, false, err
	}
	return value, true, nil
}
