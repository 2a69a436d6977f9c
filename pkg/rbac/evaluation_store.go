package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EvaluationStore reads and writes the materialized evaluation-tuple
// tables. Two physical partitions (role_evaluation_int, role_evaluation_uuid)
// distinguish integer vs UUID object ids, per spec.md §3/§9 ("prefer two
// physical tables keyed by id type... do not reintroduce a dynamic
// any-type column").
//
// Grounded on ansible_base/rbac/models/object_role.py's
// needed_cache_updates (existing_partials across permission_partials /
// permission_partials_uuid) and caching.py's single bulk_create/delete per
// invocation of compute_object_role_permissions.
type EvaluationStore struct {
	db *sql.DB
}

// NewEvaluationStore wraps an existing database handle.
func NewEvaluationStore(db *sql.DB) *EvaluationStore {
	return &EvaluationStore{db: db}
}

func partitionTable(pk PKKind) string {
	if pk == PKUUID {
		return "role_evaluation_uuid"
	}
	return "role_evaluation_int"
}

// ExistingForObjectRole loads every evaluation tuple currently attributed to
// objectRoleID, across both partitions, keyed by (codename, content_type,
// object_id) — mirroring needed_cache_updates's existing_partials dict.
func (s *EvaluationStore) ExistingForObjectRole(ctx context.Context, objectRoleID int64) (map[evalKey]EvaluationTuple, error) {
	out := make(map[evalKey]EvaluationTuple)
	for _, table := range []string{"role_evaluation_int", "role_evaluation_uuid"} {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT content_type_id, object_id, codename FROM %s WHERE role_id = $1`, table),
			objectRoleID)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing evaluation tuples from %s: %w", table, err)
		}
		for rows.Next() {
			var t EvaluationTuple
			t.ObjectRoleID = objectRoleID
			if err := rows.Scan(&t.ContentTypeID, &t.ObjectID, &t.Codename); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan evaluation tuple: %w", err)
			}
			out[t.key()] = t
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// pkKindFor resolves which partition an object id belongs in, from the
// registry's content-type metadata.
func pkKindFor(reg *Registry, contentTypeID int64) PKKind {
	if rt, ok := reg.GetByContentTypeID(contentTypeID); ok {
		return rt.PKKind()
	}
	return PKInt
}

// ApplyBatch performs exactly one bulk insert and one bulk delete per
// partition across the whole toAdd/toDelete set, matching
// compute_object_role_permissions's batching across an entire dirty set
// rather than per object role.
func (s *EvaluationStore) ApplyBatch(ctx context.Context, tx *sql.Tx, reg *Registry, toAdd []EvaluationTuple, toDeleteIDs map[PKKind][]int64) error {
	byPartition := make(map[PKKind][]EvaluationTuple)
	for _, t := range toAdd {
		pk := pkKindFor(reg, t.ContentTypeID)
		byPartition[pk] = append(byPartition[pk], t)
	}

	for pk, tuples := range byPartition {
		if len(tuples) == 0 {
			continue
		}
		table := partitionTable(pk)
		var sb strings.Builder
		fmt.Fprintf(&sb, `INSERT INTO %s (role_id, content_type_id, object_id, codename) VALUES `, table)
		args := make([]interface{}, 0, len(tuples)*4)
		for i, t := range tuples {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 4
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
			objectID, err := convertObjectID(pk, t.ObjectID)
			if err != nil {
				return err
			}
			args = append(args, t.ObjectRoleID, t.ContentTypeID, objectID, t.Codename)
		}
		sb.WriteString(` ON CONFLICT (role_id, content_type_id, object_id, codename) DO NOTHING`)
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to bulk insert evaluation tuples into %s: %w", table, err)
		}
	}

	for pk, ids := range toDeleteIDs {
		if len(ids) == 0 {
			continue
		}
		table := partitionTable(pk)
		placeholders := make([]string, len(ids))
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, table, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk delete evaluation tuples from %s: %w", table, err)
		}
	}
	return nil
}

func convertObjectID(pk PKKind, textID string) (interface{}, error) {
	switch pk {
	case PKUUID:
		u, err := uuid.Parse(textID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse UUID object id %q: %w", textID, err)
		}
		return u, nil
	default:
		return textID, nil
	}
}

// AccessibleIDs returns the distinct object ids of contentTypeID that any of
// roleIDs grants codename on. Grounded on RoleEvaluation.accessible_ids.
func (s *EvaluationStore) AccessibleIDs(ctx context.Context, reg *Registry, contentTypeID int64, roleIDs []int64, codename string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	table := partitionTable(pkKindFor(reg, contentTypeID))

	placeholders := make([]string, len(roleIDs))
	args := make([]interface{}, 0, len(roleIDs)+2)
	args = append(args, contentTypeID, codename)
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT object_id FROM %s WHERE content_type_id = $1 AND codename = $2 AND role_id IN (%s)`,
		table, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accessible ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan accessible id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasObjPermTuple reports whether any of roleIDs grants codename on
// (contentTypeID, objectID) directly in the evaluation cache.
func (s *EvaluationStore) HasObjPermTuple(ctx context.Context, reg *Registry, contentTypeID int64, objectID string, roleIDs []int64, codename string) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}
	table := partitionTable(pkKindFor(reg, contentTypeID))
	pk := pkKindFor(reg, contentTypeID)
	convertedID, err := convertObjectID(pk, objectID)
	if err != nil {
		return false, err
	}

	placeholders := make([]string, len(roleIDs))
	args := []interface{}{contentTypeID, convertedID, codename}
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT 1 FROM %s WHERE content_type_id = $1 AND object_id = $2 AND codename = $3 AND role_id IN (%s) LIMIT 1`,
		table, strings.Join(placeholders, ", "))

	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check evaluation tuple: %w", err)
	}
	return true, nil
}

// DeleteForObjectRole removes every evaluation tuple attributed to
// objectRoleID across both partitions — used when an object role itself is
// deleted.
func (s *EvaluationStore) DeleteForObjectRole(ctx context.Context, tx *sql.Tx, objectRoleID int64) error {
	for _, table := range []string{"role_evaluation_int", "role_evaluation_uuid"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE role_id = $1`, table), objectRoleID); err != nil {
			return fmt.Errorf("failed to delete evaluation tuples from %s: %w", table, err)
		}
	}
	return nil
}
