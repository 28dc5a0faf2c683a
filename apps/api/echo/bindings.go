package echoapi

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/classesnumeriques/platform/core"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	val := ctx.QueryParam(orderingParam)
	if val == "" {
		return
	}

	for _, field := range strings.Split(val, ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// ExpiryRange binds the `expires_after` & `expires_before` query params (RFC 3339).
type ExpiryRange struct {
	After  time.Time
	Before time.Time
}

func (er *ExpiryRange) Bind(ctx echo.Context) error {
	parse := func(param string) (time.Time, error) {
		val := ctx.QueryParam(param)
		if val == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return time.Time{}, core.NewFieldValidationError(param, "invalid date, expected RFC 3339")
		}
		return t.UTC(), nil
	}

	var err error
	if er.After, err = parse("expires_after"); err != nil {
		return err
	}
	er.Before, err = parse("expires_before")
	return err
}
