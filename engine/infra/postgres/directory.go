package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/engine/workflow"
	"github.com/georgysavva/scany/v2/pgxscan"
)

// Directory implements variables.Directory over the objects tables.
type Directory struct {
	db DB
}

func NewDirectory(db DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) ObjectsByIDs(ctx context.Context, ids []int64) ([]variables.Object, error) {
	if len(ids) == 0 {
		return []variables.Object{}, nil
	}
	return d.selectObjects(ctx, psql.Select("o.id", "o.name").
		From("objects o").
		Where(squirrel.Eq{"o.id": ids}).
		OrderBy("o.id"))
}

func (d *Directory) ObjectsByNames(ctx context.Context, names []string) ([]variables.Object, error) {
	if len(names) == 0 {
		return []variables.Object{}, nil
	}
	return d.selectObjects(ctx, psql.Select("o.id", "o.name").
		From("objects o").
		Where(squirrel.Eq{"o.name": names}).
		OrderBy("o.id"))
}

// ObjectsByOCIDs returns the objects monitored by the given series.
func (d *Directory) ObjectsByOCIDs(ctx context.Context, ocids []int64) ([]variables.Object, error) {
	if len(ocids) == 0 {
		return []variables.Object{}, nil
	}
	return d.selectObjects(ctx, psql.Select("DISTINCT o.id", "o.name").
		From("objects o").
		Join("objects_counters oc ON oc.object_id = o.id").
		Where(squirrel.Eq{"oc.id": ocids}).
		OrderBy("o.id"))
}

func (d *Directory) selectObjects(ctx context.Context, sb squirrel.SelectBuilder) ([]variables.Object, error) {
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	out := []variables.Object{}
	if err := pgxscan.Select(ctx, d.db, &out, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning objects: %w", err)
	}
	return out, nil
}

// UserRepo implements workflow.Users.
type UserRepo struct {
	db DB
}

func NewUserRepo(db DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetUser(ctx context.Context, username string) (*workflow.User, error) {
	sql, args, err := psql.Select("username", "full_name", "email", "roles").
		From("users").
		Where(squirrel.Eq{"username": username}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var u workflow.User
	if err := pgxscan.Get(ctx, r.db, &u, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("%q: %w", username, workflow.ErrUserNotFound)
		}
		return nil, fmt.Errorf("scanning user %q: %w", username, err)
	}
	return &u, nil
}
