package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/aquenix/flowstate/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

// CreateDefinition inserts a new definition version. The version number is
// assigned inside the transaction: one more than the highest existing
// version for the (tenant, key), so concurrent loads cannot collide.
func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.Definition) error {
	spec, err := json.Marshal(def.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM definitions WHERE tenant_id = ? AND key = ?`,
		def.TenantID, def.Key,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("next definition version: %w", err)
	}
	def.Version = version
	if def.Status == "" {
		def.Status = schema.DefinitionStatusDraft
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO definitions (id, tenant_id, key, version, status, spec, created_at, activated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TenantID, def.Key, def.Version, string(def.Status), string(spec),
		timeOrNow(def.CreatedAt), nullTime(def.ActivatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.Definition, error) {
	return s.queryDefinition(ctx,
		`SELECT id, tenant_id, key, version, status, spec, created_at, activated_at
		 FROM definitions WHERE id = ?`, id)
}

func (s *LibSQLStore) GetActiveDefinition(ctx context.Context, tenantID, key string) (*schema.Definition, error) {
	return s.queryDefinition(ctx,
		`SELECT id, tenant_id, key, version, status, spec, created_at, activated_at
		 FROM definitions WHERE tenant_id = ? AND key = ? AND status = 'active'`, tenantID, key)
}

func (s *LibSQLStore) queryDefinition(ctx context.Context, query string, args ...any) (*schema.Definition, error) {
	def := &schema.Definition{}
	var status, specJSON string
	var activatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&def.ID, &def.TenantID, &def.Key, &def.Version, &status, &specJSON, &def.CreatedAt, &activatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", fmt.Sprintf("%v", args[0]))
	}
	if err != nil {
		return nil, err
	}
	def.Status = schema.DefinitionStatus(status)
	if err := json.Unmarshal([]byte(specJSON), &def.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	if activatedAt.Valid {
		def.ActivatedAt = &activatedAt.Time
	}
	return def, nil
}

// ActivateDefinition marks the definition active and retires the previously
// active version for the same (tenant, key) in one transaction.
func (s *LibSQLStore) ActivateDefinition(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var tenantID, key string
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, key FROM definitions WHERE id = ?`, id,
	).Scan(&tenantID, &key)
	if err == sql.ErrNoRows {
		return storeNotFound("definition", id)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE definitions SET status = 'retired' WHERE tenant_id = ? AND key = ? AND status = 'active'`,
		tenantID, key,
	); err != nil {
		return fmt.Errorf("retire active definition: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE definitions SET status = 'active', activated_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("activate definition: %w", err)
	}
	if err := checkRowsAffected(res, "definition", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.Definition, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Key != "" {
		where = append(where, "key = ?")
		args = append(args, filter.Key)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, tenant_id, key, version, status, spec, created_at, activated_at FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY key, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.Definition
	for rows.Next() {
		def := &schema.Definition{}
		var status, specJSON string
		var activatedAt sql.NullTime
		if err := rows.Scan(&def.ID, &def.TenantID, &def.Key, &def.Version, &status, &specJSON, &def.CreatedAt, &activatedAt); err != nil {
			return nil, err
		}
		def.Status = schema.DefinitionStatus(status)
		if err := json.Unmarshal([]byte(specJSON), &def.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec: %w", err)
		}
		if activatedAt.Valid {
			def.ActivatedAt = &activatedAt.Time
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	instCtx, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, tenant_id, definition_id, entity_type, entity_id, state, context, version, started_at, updated_at, entered_state_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.DefinitionID, inst.EntityType, inst.EntityID,
		inst.State, string(instCtx), inst.Version,
		timeOrNow(inst.StartedAt), timeOrNow(inst.UpdatedAt), timeOrNow(inst.EnteredStateAt), nullTime(inst.ClosedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	var ctxJSON string
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, definition_id, entity_type, entity_id, state, context, version, started_at, updated_at, entered_state_at, closed_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.EntityType, &inst.EntityID,
		&inst.State, &ctxJSON, &inst.Version, &inst.StartedAt, &inst.UpdatedAt, &inst.EnteredStateAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	if ctxJSON != "" {
		_ = json.Unmarshal([]byte(ctxJSON), &inst.Context)
	}
	if closedAt.Valid {
		inst.ClosedAt = &closedAt.Time
	}
	return inst, nil
}

// CommitTransition atomically applies a state change and appends the
// corresponding transition log entry. The instance update is conditional on
// expectedVersion; a concurrent commit surfaces as ErrCodeConflict so the
// engine can retry the whole read-guard-apply sequence.
func (s *LibSQLStore) CommitTransition(ctx context.Context, instanceID string, expectedVersion int64, commit TransitionCommit) (*TransitionRecord, error) {
	instCtx, err := marshalMapOrDefault(commit.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	occurredAt := timeOrNow(commit.OccurredAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var closedAt any
	if commit.Close {
		closedAt = occurredAt
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE instances
		 SET state = ?, context = ?, version = version + 1, entered_state_at = ?, updated_at = ?, closed_at = ?
		 WHERE id = ? AND version = ? AND closed_at IS NULL`,
		commit.ToState, string(instCtx), occurredAt, occurredAt, closedAt,
		instanceID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, classifyCommitMiss(ctx, tx, instanceID)
	}

	// Per-instance monotone sequence, allocated in the same transaction.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE instance_id = ?`, instanceID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next transition seq: %w", err)
	}

	rec := &TransitionRecord{
		InstanceID: instanceID,
		Seq:        seq,
		FromState:  commit.FromState,
		ToState:    commit.ToState,
		Trigger:    commit.Trigger,
		ActorID:    commit.ActorID,
		Payload:    commit.Payload,
		OccurredAt: occurredAt,
	}

	insert, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (instance_id, seq, from_state, to_state, "trigger", actor_id, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, seq, rec.FromState, commit.ToState, commit.Trigger,
		nullStr(commit.ActorID), nullRaw(commit.Payload), occurredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}
	if rec.ID, err = insert.LastInsertId(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return rec, nil
}

// classifyCommitMiss distinguishes a version conflict from a missing or
// closed instance after a conditional write matched zero rows. It reads
// through the open transaction: the pool holds a single connection, so a
// db-level query here would wait on the connection the tx already pins.
func classifyCommitMiss(ctx context.Context, tx *sql.Tx, instanceID string) error {
	var version int64
	var closedAt sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT version, closed_at FROM instances WHERE id = ?`, instanceID,
	).Scan(&version, &closedAt)
	if err == sql.ErrNoRows {
		return storeNotFound("instance", instanceID)
	}
	if err != nil {
		return err
	}
	if closedAt.Valid {
		return schema.NewErrorf(schema.ErrCodeInstanceClosed,
			"instance is closed since %s", closedAt.Time.Format(time.RFC3339)).
			WithInstance(instanceID)
	}
	return schema.NewError(schema.ErrCodeConflict, "instance modified concurrently").
		WithInstance(instanceID).
		WithDetails(map[string]any{"current_version": version})
}

// UpdateInstanceContext conditionally replaces the instance context.
// Used by best-effort on-enter actions after the transition has committed.
func (s *LibSQLStore) UpdateInstanceContext(ctx context.Context, instanceID string, expectedVersion int64, instCtx map[string]any) error {
	data, err := marshalMapOrDefault(instCtx)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET context = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		string(data), instanceID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.classifyContextMiss(ctx, instanceID)
	}
	return nil
}

func (s *LibSQLStore) classifyContextMiss(ctx context.Context, instanceID string) error {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return err
	}
	return schema.NewError(schema.ErrCodeConflict, "instance modified concurrently").
		WithInstance(instanceID)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Open != nil {
		if *filter.Open {
			where = append(where, "closed_at IS NULL")
		} else {
			where = append(where, "closed_at IS NOT NULL")
		}
	}

	query := `SELECT id, tenant_id, definition_id, entity_type, entity_id, state, context, version, started_at, updated_at, entered_state_at, closed_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst := &Instance{}
		var ctxJSON string
		var closedAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.EntityType, &inst.EntityID,
			&inst.State, &ctxJSON, &inst.Version, &inst.StartedAt, &inst.UpdatedAt, &inst.EnteredStateAt, &closedAt); err != nil {
			return nil, err
		}
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &inst.Context)
		}
		if closedAt.Valid {
			inst.ClosedAt = &closedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Transition log ---

func (s *LibSQLStore) ListTransitions(ctx context.Context, instanceID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, seq, from_state, to_state, "trigger", actor_id, payload, occurred_at
		 FROM transitions WHERE instance_id = ? ORDER BY seq ASC`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var actorID, payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Seq, &rec.FromState, &rec.ToState,
			&rec.Trigger, &actorID, &payload, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.ActorID = actorID.String
		rec.Payload = rawOrNil(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = schema.TaskStatusOpen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, instance_id, state, assignee_id, role, status, due_at, claimed_by, claimed_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.InstanceID, task.State, nullStr(task.AssigneeID), nullStr(task.Role),
		string(task.Status), nullTime(task.DueAt), nullStr(task.ClaimedBy),
		nullTime(task.ClaimedAt), nullTime(task.CompletedAt), timeOrNow(task.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	task := &Task{}
	var assignee, role, claimedBy sql.NullString
	var status string
	var dueAt, claimedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, state, assignee_id, role, status, due_at, claimed_by, claimed_at, completed_at, created_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.InstanceID, &task.State, &assignee, &role, &status,
		&dueAt, &claimedBy, &claimedAt, &completedAt, &task.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	task.AssigneeID = assignee.String
	task.Role = role.String
	task.Status = schema.TaskStatus(status)
	task.ClaimedBy = claimedBy.String
	if dueAt.Valid {
		task.DueAt = &dueAt.Time
	}
	if claimedAt.Valid {
		task.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// ClaimTask claims an open task for the actor. The write is conditional on
// status = 'open', so exactly one of two racing claims wins; the loser gets
// ErrCodeAlreadyClaimed with no side effects.
func (s *LibSQLStore) ClaimTask(ctx context.Context, id, actorID string) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'open'`,
		actorID, id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyClaimed,
			"task %s is %s", id, task.Status).
			WithDetails(map[string]any{"task_id": id, "claimed_by": task.ClaimedBy})
	}
	return s.GetTask(ctx, id)
}

// CompleteTask completes a task. Completing an unclaimed task is allowed;
// completing a task claimed by a different actor requires override.
func (s *LibSQLStore) CompleteTask(ctx context.Context, id, actorID string, override bool) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == schema.TaskStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s already completed", id)
	}
	if task.Status == schema.TaskStatusClaimed && task.ClaimedBy != actorID && !override {
		return nil, schema.NewErrorf(schema.ErrCodeNotClaimedByActor,
			"task %s is claimed by %s", id, task.ClaimedBy).
			WithDetails(map[string]any{"task_id": id, "claimed_by": task.ClaimedBy})
	}

	// Re-check status in the write to close the race with a concurrent claim.
	query := `UPDATE tasks SET status = 'completed', completed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status != 'completed'`
	args := []any{id}
	if !override {
		query += ` AND (claimed_by IS NULL OR claimed_by = ?)`
		args = append(args, actorID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %s modified concurrently", id)
	}
	return s.GetTask(ctx, id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, instance_id, state, assignee_id, role, status, due_at, claimed_by, claimed_at, completed_at, created_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		var assignee, role, claimedBy sql.NullString
		var status string
		var dueAt, claimedAt, completedAt sql.NullTime
		if err := rows.Scan(&task.ID, &task.InstanceID, &task.State, &assignee, &role, &status,
			&dueAt, &claimedBy, &claimedAt, &completedAt, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.AssigneeID = assignee.String
		task.Role = role.String
		task.Status = schema.TaskStatus(status)
		task.ClaimedBy = claimedBy.String
		if dueAt.Valid {
			task.DueAt = &dueAt.Time
		}
		if claimedAt.Valid {
			task.ClaimedAt = &claimedAt.Time
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- Escalations ---

// InsertEscalation appends an escalation record. Returns false if a record
// at the same (instance_id, state, level) already exists — the unique index
// is the idempotency guarantee under concurrent scanners, not caller-side
// deduplication.
func (s *LibSQLStore) InsertEscalation(ctx context.Context, esc *Escalation) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO escalations (id, instance_id, state, level, target, channel, sent_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.InstanceID, esc.State, esc.Level, esc.Target, nullStr(esc.Channel),
		timeOrNow(esc.SentAt), nullRaw(esc.Meta),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) MaxEscalationLevel(ctx context.Context, instanceID, state string) (int, error) {
	var level int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(level), 0) FROM escalations WHERE instance_id = ? AND state = ?`,
		instanceID, state,
	).Scan(&level)
	return level, err
}

func (s *LibSQLStore) ListEscalations(ctx context.Context, instanceID string) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, state, level, target, channel, sent_at, meta
		 FROM escalations WHERE instance_id = ? ORDER BY sent_at ASC, level ASC`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escalations []*Escalation
	for rows.Next() {
		esc := &Escalation{}
		var channel, meta sql.NullString
		if err := rows.Scan(&esc.ID, &esc.InstanceID, &esc.State, &esc.Level, &esc.Target,
			&channel, &esc.SentAt, &meta); err != nil {
			return nil, err
		}
		esc.Channel = channel.String
		esc.Meta = rawOrNil(meta)
		escalations = append(escalations, esc)
	}
	return escalations, rows.Err()
}

// --- Webhooks ---

func (s *LibSQLStore) CreateWebhook(ctx context.Context, wh *Webhook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, tenant_id, definition_key, event, url, secret, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.TenantID, wh.DefinitionKey, wh.Event, wh.URL, wh.Secret,
		boolToInt(wh.Active), timeOrNow(wh.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListWebhooks(ctx context.Context, filter WebhookFilter) ([]*Webhook, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT id, tenant_id, definition_key, event, url, secret, active, created_at FROM webhooks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		wh := &Webhook{}
		var active int
		if err := rows.Scan(&wh.ID, &wh.TenantID, &wh.DefinitionKey, &wh.Event, &wh.URL,
			&wh.Secret, &active, &wh.CreatedAt); err != nil {
			return nil, err
		}
		wh.Active = active != 0
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func (s *LibSQLStore) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = ? WHERE id = ?`, boolToInt(active), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook", id)
}

// --- Deliveries ---

func (s *LibSQLStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d.Status == "" {
		d.Status = schema.DeliveryStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event, instance_id, payload, status, attempts, last_status_code, last_error, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Event, nullStr(d.InstanceID), string(d.Payload),
		string(d.Status), d.Attempts, nullInt(d.LastStatusCode), nullStr(d.LastError),
		timeOrNow(d.CreatedAt), nullTime(d.DeliveredAt),
	)
	return err
}

func (s *LibSQLStore) UpdateDelivery(ctx context.Context, id string, update DeliveryUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastStatusCode != nil {
		sets = append(sets, "last_status_code = ?")
		args = append(args, *update.LastStatusCode)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.DeliveredAt != nil {
		sets = append(sets, "delivered_at = ?")
		args = append(args, *update.DeliveredAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE webhook_deliveries SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "delivery", id)
}

func (s *LibSQLStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*Delivery, error) {
	var where []string
	var args []any

	if filter.WebhookID != "" {
		where = append(where, "webhook_id = ?")
		args = append(args, filter.WebhookID)
	}
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, webhook_id, event, instance_id, payload, status, attempts, last_status_code, last_error, created_at, delivered_at FROM webhook_deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d := &Delivery{}
		var instanceID, lastErr sql.NullString
		var status, payload string
		var lastStatus sql.NullInt64
		var deliveredAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &instanceID, &payload, &status,
			&d.Attempts, &lastStatus, &lastErr, &d.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		d.InstanceID = instanceID.String
		d.Payload = json.RawMessage(payload)
		d.Status = schema.DeliveryStatus(status)
		d.LastStatusCode = int(lastStatus.Int64)
		d.LastError = lastErr.String
		if deliveredAt.Valid {
			d.DeliveredAt = &deliveredAt.Time
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// --- Signals ---

func (s *LibSQLStore) EnqueueSignal(ctx context.Context, sig *SignalRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (id, instance_id, signal, payload, actor_id, received_at, processed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.InstanceID, sig.Signal, nullRaw(sig.Payload), nullStr(sig.ActorID),
		timeOrNow(sig.ReceivedAt), nullTime(sig.ProcessedAt), nullStr(sig.Error),
	)
	return err
}

// PendingSignals returns unprocessed signals in received order.
func (s *LibSQLStore) PendingSignals(ctx context.Context, limit int) ([]*SignalRecord, error) {
	query := `SELECT id, instance_id, signal, payload, actor_id, received_at, processed_at, error
		 FROM signals WHERE processed_at IS NULL ORDER BY received_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*SignalRecord
	for rows.Next() {
		sig := &SignalRecord{}
		var payload, actorID, sigErr sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&sig.ID, &sig.InstanceID, &sig.Signal, &payload, &actorID,
			&sig.ReceivedAt, &processedAt, &sigErr); err != nil {
			return nil, err
		}
		sig.Payload = rawOrNil(payload)
		sig.ActorID = actorID.String
		sig.Error = sigErr.String
		if processedAt.Valid {
			sig.ProcessedAt = &processedAt.Time
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func (s *LibSQLStore) MarkSignalProcessed(ctx context.Context, id string, procErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET processed_at = CURRENT_TIMESTAMP, error = ? WHERE id = ? AND processed_at IS NULL`,
		nullStr(procErr), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "signal", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
