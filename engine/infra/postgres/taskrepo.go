package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/taskengine/engine/task"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

const adminRole = "admin"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var actionColumns = []string{
	"a.id",
	"a.action_id",
	"a.name",
	"a.description",
	"a.args",
	"a.startup_option",
	"a.position",
}

// actionRow is a task_actions row; args is a JSON object of strings.
type actionRow struct {
	ID            int64  `db:"id"`
	ActionID      string `db:"action_id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	Args          []byte `db:"args"`
	StartupOption int    `db:"startup_option"`
	Position      int    `db:"position"`
}

func (r *actionRow) toAction() (task.Action, error) {
	args := map[string]string{}
	if len(r.Args) > 0 {
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return task.Action{}, fmt.Errorf("decoding args of task action %d: %w", r.ID, err)
		}
	}
	return task.Action{
		ID:            r.ID,
		ActionID:      r.ActionID,
		Name:          r.Name,
		Description:   r.Description,
		Args:          args,
		StartupOption: task.StartupOption(r.StartupOption),
		Position:      r.Position,
	}, nil
}

type taskRow struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	GroupID       int64  `db:"group_id"`
	GroupName     string `db:"group_name"`
	Owner         string `db:"owner"`
	OwnerFullName string `db:"owner_full_name"`
	RunType       int64  `db:"run_type"`
}

// TaskRepo implements task.Store.
type TaskRepo struct {
	db DB
}

func NewTaskRepo(db DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// GetApprovedTasks returns approved tasks that can still run, one row per
// condition.
func (r *TaskRepo) GetApprovedTasks(ctx context.Context) ([]task.ApprovedTask, error) {
	sql, args, err := psql.
		Select("t.id AS task_id", "t.run_type", "c.ocid", "t.owner AS username").
		From("tasks t").
		LeftJoin("task_conditions c ON c.task_id = t.id").
		Where(squirrel.Eq{"t.approved": true}).
		Where(squirrel.NotEq{"t.run_type": []int64{
			int64(task.DoNotRun),
			int64(task.RunOnceOnConditionAlreadyFired),
			int64(task.RunNowAlreadyStarted),
		}}).
		OrderBy("t.id", "c.ocid").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []task.ApprovedTask
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning approved tasks: %w", err)
	}
	return rows, nil
}

// GetTaskParameters returns the actions of a task visible to username in
// stored order. An empty username skips the visibility check.
func (r *TaskRepo) GetTaskParameters(ctx context.Context, username string, taskID int64) ([]task.Action, error) {
	sb := psql.Select(actionColumns...).
		From("task_actions a").
		Join("tasks t ON t.id = a.task_id").
		Where(squirrel.Eq{"a.task_id": taskID}).
		OrderBy("a.position", "a.id")
	if username != "" {
		sb = sb.Where(squirrel.Or{
			squirrel.Eq{"t.owner": username},
			squirrel.Expr("EXISTS (SELECT 1 FROM users u WHERE u.username = ? AND ? = ANY(u.roles))", username, adminRole),
		})
	}
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*actionRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning task actions: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("task %d for user %q: %w", taskID, username, task.ErrTaskNotFound)
	}
	actions := make([]task.Action, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAction()
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (r *TaskRepo) UpdateRunCondition(ctx context.Context, taskID int64, runType task.RunType) error {
	sql, args, err := psql.Update("tasks").
		Set("run_type", int64(runType)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating run condition of task %d: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// GetTask loads a task with its actions and named conditions.
func (r *TaskRepo) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	sql, args, err := psql.Select(
		"t.id",
		"t.name",
		"COALESCE(t.group_id, 0) AS group_id",
		"COALESCE(g.name, '') AS group_name",
		"t.owner",
		"COALESCE(u.full_name, '') AS owner_full_name",
		"t.run_type",
	).
		From("tasks t").
		LeftJoin("task_groups g ON g.id = t.group_id").
		LeftJoin("users u ON u.username = t.owner").
		Where(squirrel.Eq{"t.id": taskID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var row taskRow
	if err := pgxscan.Get(ctx, r.db, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	actions, err := r.GetTaskParameters(ctx, "", taskID)
	if err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		return nil, err
	}
	conditions, err := r.conditions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &task.Task{
		ID:            row.ID,
		Name:          row.Name,
		GroupID:       row.GroupID,
		GroupName:     row.GroupName,
		Owner:         row.Owner,
		OwnerFullName: row.OwnerFullName,
		RunType:       task.RunType(row.RunType),
		Actions:       actions,
		Conditions:    conditions,
	}, nil
}

func (r *TaskRepo) conditions(ctx context.Context, taskID int64) ([]task.Condition, error) {
	sql, args, err := psql.Select("oc.id AS ocid", "c.name AS counter_name", "o.name AS object_name").
		From("task_conditions tc").
		Join("objects_counters oc ON oc.id = tc.ocid").
		Join("objects o ON o.id = oc.object_id").
		Join("counters c ON c.id = oc.counter_id").
		Where(squirrel.Eq{"tc.task_id": taskID}).
		OrderBy("oc.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var out []task.Condition
	if err := pgxscan.Select(ctx, r.db, &out, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning task conditions: %w", err)
	}
	return out, nil
}

// ChangeGroup moves a task to groupName, creating the group when missing.
func (r *TaskRepo) ChangeGroup(ctx context.Context, taskID int64, groupName string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		sql, args, err := psql.Insert("task_groups").
			Columns("name").
			Values(groupName).
			Suffix("ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("building query: %w", err)
		}
		var groupID int64
		if err := tx.QueryRow(ctx, sql, args...).Scan(&groupID); err != nil {
			return fmt.Errorf("upserting group %q: %w", groupName, err)
		}
		sql, args, err = psql.Update("tasks").
			Set("group_id", groupID).
			Set("updated_at", squirrel.Expr("now()")).
			Where(squirrel.Eq{"id": taskID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building query: %w", err)
		}
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("moving task %d: %w", taskID, err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}
