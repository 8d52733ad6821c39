package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/marketsync/synckit"
)

const (
	opGetEntity      = "postgres.GetEntity"
	opPutEntity      = "postgres.PutEntity"
	opDeleteEntity   = "postgres.DeleteEntity"
	opListEntities   = "postgres.ListEntities"
	opSaveOperation  = "postgres.SaveOperation"
	opGetOperation   = "postgres.GetOperation"
	opListOperations = "postgres.ListOperations"
	opSaveConflict   = "postgres.SaveConflict"
	opGetConflict    = "postgres.GetConflict"
	opListConflicts  = "postgres.ListConflicts"
	opPutRule        = "postgres.PutRule"
	opDeleteRule     = "postgres.DeleteRule"
	opListRules      = "postgres.ListRules"
)

func (s *Store) GetEntity(ctx context.Context, key synckit.EntityKey) (*synckit.SyncEntity, error) {
	if err := s.checkOpen(opGetEntity); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE entity_type = $1 AND entity_id = $2 AND marketplace_id = $3`, s.tables.entities)
	found, err := scanBodies[synckit.SyncEntity](ctx, s.db, opGetEntity, query, key.Type.String(), key.ID, key.Marketplace)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, notFound(opGetEntity, key.String())
	}
	return found[0], nil
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
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (entity_type, entity_id, marketplace_id) DO UPDATE SET
    version = EXCLUDED.version,
    deleted = EXCLUDED.deleted,
    last_modified = EXCLUDED.last_modified,
    body = EXCLUDED.body`, s.tables.entities)
	_, err = s.db.ExecContext(ctx, query,
		entity.Type.String(), entity.ID, entity.MarketplaceID,
		entity.Version, entity.Deleted, entity.LastModified, string(body))
	return wrap(err, opPutEntity)
}

func (s *Store) DeleteEntity(ctx context.Context, key synckit.EntityKey) error {
	if err := s.checkOpen(opDeleteEntity); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE entity_type = $1 AND entity_id = $2 AND marketplace_id = $3`, s.tables.entities)
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
	add := func(column string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Type != synckit.EntityUnknown {
		add("entity_type", filter.Type.String())
	}
	if filter.ID != "" {
		add("entity_id", filter.ID)
	}
	if filter.Marketplace != "" {
		add("marketplace_id", filter.Marketplace)
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
INSERT INTO %s (id, status, created_at, body) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`, s.tables.operations)
	_, err = s.db.ExecContext(ctx, query, op.ID, string(op.Status), op.CreatedAt, string(body))
	return wrap(err, opSaveOperation)
}

func (s *Store) GetOperation(ctx context.Context, id string) (*synckit.SyncOperation, error) {
	if err := s.checkOpen(opGetOperation); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.tables.operations)
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
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += " WHERE status = ANY($1)"
		args = append(args, pq.Array(names))
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
INSERT INTO %s (id, resolved, detected_at, body) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET resolved = EXCLUDED.resolved, body = EXCLUDED.body`, s.tables.conflicts)
	_, err = s.db.ExecContext(ctx, query, c.ID, c.Resolved, c.DetectedAt, string(body))
	return wrap(err, opSaveConflict)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*synckit.SyncConflict, error) {
	if err := s.checkOpen(opGetConflict); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.tables.conflicts)
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
		query += " WHERE NOT resolved"
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
	query := fmt.Sprintf(`INSERT INTO %s (id, body) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, s.tables.rules)
	_, err = s.db.ExecContext(ctx, query, rule.ID, string(body))
	return wrap(err, opPutRule)
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := s.checkOpen(opDeleteRule); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tables.rules), id)
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
	rules, err := scanBodies[synckit.SyncRule](ctx, s.db, opListRules, fmt.Sprintf(`SELECT body FROM %s ORDER BY id`, s.tables.rules))
	if err != nil {
		return nil, err
	}
	out := make([]synckit.SyncRule, len(rules))
	for i, r := range rules {
		out[i] = *r
	}
	return out, nil
}
