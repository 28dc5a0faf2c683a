// Package sqlxrepos holds the PostgreSQL repositories.
package sqlxrepos

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
)

const uniqueViolation = "23505"

type base struct {
	db *sqlx.DB
}

// getExec returns the executor passed by the service (ie. a transaction) or the DB.
func (b base) getExec(svcExec []core.DBExecutor) sqlx.ExtContext {
	if len(svcExec) > 0 {
		switch exec := svcExec[0].(type) {
		case sqlx.ExtContext:
			return exec
		case *sql.Tx:
			return &sqlx.Tx{Tx: exec, Mapper: b.db.Mapper}
		}
	}
	return b.db
}

// conditions accumulates the WHERE clauses of a query; clauses use `?` placeholders
// and slice arguments are expanded for `IN (?)`.
type conditions struct {
	clauses []string
	args    []interface{}
}

func (c *conditions) add(clause string, args ...interface{}) {
	c.clauses = append(c.clauses, clause)
	c.args = append(c.args, args...)
}

// in adds `column IN (values)`; an empty list matches nothing.
func (c *conditions) in(column string, values []string) {
	if len(values) == 0 {
		c.add("FALSE")
		return
	}
	c.add(column+" IN (?)", values)
}

// build completes `query` with the conditions & the ordering, and binds it for postgres.
func (c *conditions) build(query string, ordering []core.DBOrdering) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString(query)
	if len(c.clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(c.clauses, " AND "))
	}
	if len(ordering) > 0 {
		orderList := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			orderList = append(orderList, ord.String())
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orderList, ", "))
	}

	q, args, err := sqlx.In(sb.String(), c.args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expanding query")
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), args, nil
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

func nullTime(t time.Time) null.Time {
	return null.NewTime(t.UTC(), !t.IsZero())
}

func utc(t null.Time) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// subscriptionColumns are stored the same way for users & schools.
type subscriptionColumns struct {
	Status    string    `db:"subscription_status"`
	Type      string    `db:"subscription_type"`
	ExpiresAt null.Time `db:"subscription_expires_at"`
}

func (sc subscriptionColumns) subscription() core.Subscription {
	return core.Subscription{
		Status:    core.SubscriptionStatus(sc.Status),
		Type:      core.SubscriptionType(sc.Type),
		ExpiresAt: utc(sc.ExpiresAt),
	}.Normalize()
}

func newSubscriptionColumns(sub core.Subscription) subscriptionColumns {
	sub = sub.Normalize()
	return subscriptionColumns{Status: string(sub.Status), Type: string(sub.Type), ExpiresAt: nullTime(sub.ExpiresAt)}
}

// expiryConditions adds the subscription filters shared by users & schools.
func expiryConditions(c *conditions, status core.SubscriptionStatus, after, before time.Time) {
	if status != "" {
		c.add("subscription_status = ?", string(status))
	}
	if !after.IsZero() {
		c.add("subscription_expires_at >= ?", after.UTC())
	}
	if !before.IsZero() {
		c.add("subscription_expires_at < ?", before.UTC())
	}
}

// isUniqueViolation reports whether `err` is a postgres unique_violation on `constraint`.
func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

// isUUID guards lookups by id: postgres rejects malformed uuids instead of matching nothing.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func rowsAffected(res sql.Result, msg string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, msg)
	}
	return int(n), nil
}
