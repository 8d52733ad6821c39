package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/marketsync/synckit"
)

func (s *Store) GetEntity(ctx context.Context, key synckit.EntityKey) (*synckit.SyncEntity, error) {
	if err := s.checkOpen(opGetEntity); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE entity_type = ? AND entity_id = ? AND marketplace_id = ?`, s.tables.entities)
	var body string
	err := s.db.QueryRowContext(ctx, query, key.Type.String(), key.ID, key.Marketplace).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(opGetEntity, key.String())
	}
	if err != nil {
		return nil, wrap(err, opGetEntity)
	}
	var e synckit.SyncEntity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, wrap(err, opGetEntity)
	}
	return &e, nil
}

func (s *Store) PutEntity(ctx context.Context, entity *synckit.SyncEntity) error {
	if err := s.checkOpen(opPutEntity); err != nil {
		return err
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return wrap(err, opPutEntity)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (entity_type, entity_id, marketplace_id, version, deleted, last_modified, body)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_type, entity_id, marketplace_id) DO UPDATE SET
    version = excluded.version,
    deleted = excluded.deleted,
    last_modified = excluded.last_modified,
    body = excluded.body`, s.tables.entities)
	_, err = s.db.ExecContext(ctx, query,
		entity.Type.String(), entity.ID, entity.MarketplaceID,
		entity.Version, boolInt(entity.Deleted), entity.LastModified.UnixNano(), string(body))
	return wrap(err, opPutEntity)
}

func (s *Store) DeleteEntity(ctx context.Context, key synckit.EntityKey) error {
	if err := s.checkOpen(opDeleteEntity); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE entity_type = ? AND entity_id = ? AND marketplace_id = ?`, s.tables.entities)
	res, err := s.db.ExecContext(ctx, query, key.Type.String(), key.ID, key.Marketplace)
	if err != nil {
		return wrap(err, opDeleteEntity)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(opDeleteEntity, key.String())
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context, filter synckit.EntityFilter) ([]*synckit.SyncEntity, error) {
	if err := s.checkOpen(opListEntities); err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if filter.Type != synckit.EntityUnknown {
		where = append(where, "entity_type = ?")
		args = append(args, filter.Type.String())
	}
	if filter.ID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.ID)
	}
	if filter.Marketplace != "" {
		where = append(where, "marketplace_id = ?")
		args = append(args, filter.Marketplace)
	}
	query := fmt.Sprintf(`SELECT body FROM %s`, s.tables.entities)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_type, entity_id, marketplace_id"

	return scanBodies[synckit.SyncEntity](ctx, s.db, opListEntities, query, args...)
}

func (s *Store) SaveOperation(ctx context.Context, op *synckit.SyncOperation) error {
	if err := s.checkOpen(opSaveOperation); err != nil {
		return err
	}
	body, err := json.Marshal(op)
	if err != nil {
		return wrap(err, opSaveOperation)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, created_at, body) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, body = excluded.body`, s.tables.operations)
	_, err = s.db.ExecContext(ctx, query, op.ID, string(op.Status), op.CreatedAt.UnixNano(), string(body))
	return wrap(err, opSaveOperation)
}

func (s *Store) GetOperation(ctx context.Context, id string) (*synckit.SyncOperation, error) {
	if err := s.checkOpen(opGetOperation); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = ?`, s.tables.operations)
	ops, err := scanBodies[synckit.SyncOperation](ctx, s.db, opGetOperation, query, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, notFound(opGetOperation, id)
	}
	return ops[0], nil
}

func (s *Store) ListOperations(ctx context.Context, statuses ...synckit.OperationStatus) ([]*synckit.SyncOperation, error) {
	if err := s.checkOpen(opListOperations); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s`, s.tables.operations)
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY created_at, id"
	return scanBodies[synckit.SyncOperation](ctx, s.db, opListOperations, query, args...)
}

func (s *Store) SaveConflict(ctx context.Context, c *synckit.SyncConflict) error {
	if err := s.checkOpen(opSaveConflict); err != nil {
		return err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return wrap(err, opSaveConflict)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, resolved, detected_at, body) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET resolved = excluded.resolved, body = excluded.body`, s.tables.conflicts)
	_, err = s.db.ExecContext(ctx, query, c.ID, boolInt(c.Resolved), c.DetectedAt.UnixNano(), string(body))
	return wrap(err, opSaveConflict)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*synckit.SyncConflict, error) {
	if err := s.checkOpen(opGetConflict); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = ?`, s.tables.conflicts)
	cs, err := scanBodies[synckit.SyncConflict](ctx, s.db, opGetConflict, query, id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, notFound(opGetConflict, id)
	}
	return cs[0], nil
}

func (s *Store) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*synckit.SyncConflict, error) {
	if err := s.checkOpen(opListConflicts); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s`, s.tables.conflicts)
	if unresolvedOnly {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY detected_at, id"
	return scanBodies[synckit.SyncConflict](ctx, s.db, opListConflicts, query)
}

func (s *Store) PutRule(ctx context.Context, rule synckit.SyncRule) error {
	if err := s.checkOpen(opPutRule); err != nil {
		return err
	}
	body, err := json.Marshal(rule)
	if err != nil {
		return wrap(err, opPutRule)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, body) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET body = excluded.body`, s.tables.rules)
	_, err = s.db.ExecContext(ctx, query, rule.ID, string(body))
	return wrap(err, opPutRule)
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := s.checkOpen(opDeleteRule); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.tables.rules), id)
	if err != nil {
		return wrap(err, opDeleteRule)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(opDeleteRule, id)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]synckit.SyncRule, error) {
	if err := s.checkOpen(opListRules); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s ORDER BY id`, s.tables.rules)
	rules, err := scanBodies[synckit.SyncRule](ctx, s.db, opListRules, query)
	if err != nil {
		return nil, err
	}
	out := make([]synckit.SyncRule, len(rules))
	for i, r := range rules {
		out[i] = *r
	}
	return out, nil
}

// scanBodies runs query and decodes the single body column of every row.
func scanBodies[T any](ctx context.Context, db *sql.DB, op, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, wrap(err, op)
		}
		v := new(T)
		if err := json.Unmarshal([]byte(body), v); err != nil {
			return nil, wrap(fmt.Errorf("decode row: %w", err), op)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, op)
	}
	return out, nil
}
