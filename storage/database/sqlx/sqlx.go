package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

// getExec returns the service-provided executor (usually a transaction) or the repository's db.
func getExec(db core.DBExecutor, svcExec []core.DBExecutor) core.DBExecutor {
	return core.GetExec(db, svcExec)
}

// trapNoRowsErr maps "no rows" to the package's not-found error.
func trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// insertReturningID runs an INSERT written with `?` placeholders and returns the new row id.
func insertReturningID(ctx context.Context, exec core.DBExecutor, q string, args ...interface{}) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, exec, &id, exec.Rebind(q+" RETURNING id"), args...)
	return id, err
}

func execAffected(ctx context.Context, exec core.DBExecutor, q string, args ...interface{}) (int64, error) {
	res, err := exec.ExecContext(ctx, exec.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func orderBy(ordering []core.DBOrdering, def string) string {
	if len(ordering) == 0 {
		return " ORDER BY " + def
	}
	list := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		list = append(list, ord.String())
	}
	return " ORDER BY " + strings.Join(list, ", ")
}

// likePattern builds a case-insensitive contains pattern for LOWER(col) LIKE ?.
func likePattern(s string) string {
	return "%" + strings.ToLower(s) + "%"
}
