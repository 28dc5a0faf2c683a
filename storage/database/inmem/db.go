// Package inmemdb holds repositories keeping their data in memory. They back the tests
// and local runs without a database.
package inmemdb

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

type (
	DB struct {
		txMu sync.Mutex

		user     *userTable
		school   *schoolTable
		exercise *exerciseTable
		attempt  *attemptTable
		payment  *paymentTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	schoolTable struct {
		sync.RWMutex
		schools  map[string]*school.School
		classes  map[string]*school.Class
		students map[string]map[string]school.Enrollment // class ID -> student ID -> enrollment
	}

	exerciseTable struct {
		sync.RWMutex
		table map[string]*exercise.Exercise
	}

	attemptTable struct {
		sync.RWMutex
		table map[string]*attempt.Attempt
	}

	paymentTable struct {
		sync.RWMutex
		table map[string]*subscription.Payment // by order ID
	}
)

func Open() *DB {
	return &DB{
		user: &userTable{table: make(map[string]*user.User)},
		school: &schoolTable{
			schools:  make(map[string]*school.School),
			classes:  make(map[string]*school.Class),
			students: make(map[string]map[string]school.Enrollment),
		},
		exercise: &exerciseTable{table: make(map[string]*exercise.Exercise)},
		attempt:  &attemptTable{table: make(map[string]*attempt.Attempt)},
		payment:  &paymentTable{table: make(map[string]*subscription.Payment)},
	}
}

var _ core.Transactor = (*DB)(nil) // interface compliance check

// WithTx runs `fn` while holding the DB-wide transaction lock, so that transactions are serialized.
// Writes made by `fn` before it fails are not undone.
func (db *DB) WithTx(ctx context.Context, fn func(tx core.DBExecutor) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(nil)
}

// containsFold reports whether `s` contains `substr`, ignoring case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// orderedLess returns a less function applying `ordering`; `cmp` compares a field of items i & j
// (-1, 0 or 1) and `fallback` breaks ties.
func orderedLess(ordering []core.DBOrdering, cmp func(field string, i, j int) int, fallback func(i, j int) bool) func(i, j int) bool {
	return func(i, j int) bool {
		for _, ord := range ordering {
			c := cmp(ord.Field, i, j)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return fallback(i, j)
	}
}

func cmpStrings(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func cmpTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func cmpInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func stringIn(s string, list []string) bool {
	return core.StringInSlice(s, list)
}
