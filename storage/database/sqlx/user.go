package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

const userColumns = `id, name, username, email, is_active, roles, school_id, school_name,
	subscription_status, subscription_type, subscription_expires_at,
	password_hash, created_at, updated_at, last_login`

var userSortable = []string{"name", "username", "email", "created_at", "updated_at", "last_login"}

type userRow struct {
	ID           string         `db:"id"`
	Name         null.String    `db:"name"`
	Username     null.String    `db:"username"`
	Email        null.String    `db:"email"`
	IsActive     null.Bool      `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	SchoolID     null.String    `db:"school_id"`
	SchoolName   null.String    `db:"school_name"`
	PasswordHash null.Bytes     `db:"password_hash"`
	CreatedAt    null.Time      `db:"created_at"`
	UpdatedAt    null.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
	subscriptionColumns
}

func newUserRow(usr user.User) userRow {
	roles := usr.Roles
	if roles == nil {
		roles = []string{}
	}
	return userRow{
		ID:                  usr.ID,
		Name:                nullString(usr.Name),
		Username:            nullString(usr.Username),
		Email:               nullString(usr.Email),
		IsActive:            null.BoolFromPtr(usr.IsActive),
		Roles:               roles,
		SchoolID:            nullString(usr.SchoolID),
		SchoolName:          nullString(usr.SchoolName),
		PasswordHash:        null.NewBytes(usr.PasswordHash, len(usr.PasswordHash) > 0),
		CreatedAt:           nullTime(usr.CreatedAt),
		UpdatedAt:           nullTime(usr.UpdatedAt),
		LastLogin:           nullTime(usr.LastLogin),
		subscriptionColumns: newSubscriptionColumns(usr.Subscription),
	}
}

func (row userRow) user() user.User {
	return user.User{
		ID:           row.ID,
		Name:         row.Name.String,
		Username:     row.Username.String,
		Email:        row.Email.String,
		IsActive:     row.IsActive.Ptr(),
		Roles:        []string(row.Roles),
		SchoolID:     row.SchoolID.String,
		SchoolName:   row.SchoolName.String,
		Subscription: row.subscription(),
		PasswordHash: row.PasswordHash.Bytes,
		CreatedAt:    utc(row.CreatedAt),
		UpdatedAt:    utc(row.UpdatedAt),
		LastLogin:    utc(row.LastLogin),
	}
}

type userRepository struct {
	base
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{base{db: db}}
}

// trapNoRowsErr maps "no rows" errors to user.ErrNotFound
func (repo *userRepository) trapNoRowsErr(err error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return user.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers []user.User, exec ...core.DBExecutor) error {
	if username == "" && email == "" {
		return nil
	}

	var c conditions
	c.add("(username = ? OR lower(email) = lower(?))", nullString(username), nullString(email))
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, u := range excludedUsers {
			if u.ID != "" {
				ids = append(ids, u.ID)
			}
		}
		if len(ids) > 0 {
			c.add("id NOT IN (?)", ids)
		}
	}
	q, args, err := c.build("SELECT EXISTS (SELECT 1 FROM users", nil)
	if err != nil {
		return err
	}

	var exists bool
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &exists, q+")", args...); err != nil {
		return errors.Wrap(err, "checking user uniqueness")
	}
	if exists {
		return user.ErrUserExists
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	usr.ID = uuid.NewString()
	row := newUserRow(usr)

	q := `INSERT INTO users (` + userColumns + `) VALUES (
		:id, :name, :username, :email, :is_active, :roles, :school_id, :school_name,
		:subscription_status, :subscription_type, :subscription_expires_at,
		:password_hash, COALESCE(:created_at, now()), COALESCE(:updated_at, now()), :last_login
	) RETURNING ` + userColumns
	q, args, err := sqlx.Named(q, row)
	if err != nil {
		return user.User{}, errors.Wrap(err, "binding user")
	}

	var created userRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &created, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		if isUniqueViolation(err, "") {
			return user.User{}, user.ErrUserExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return created.user(), nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	var c conditions

	if filter != nil {
		// users with Name, Username or Email matching the search keyword
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			c.add("(name ILIKE ? OR username ILIKE ? OR email ILIKE ?)", val, val, val)
		}
		// users with any role that starts with any of the provided roles
		if len(filter.Roles) > 0 {
			patterns := make([]string, 0, len(filter.Roles))
			for _, role := range filter.Roles {
				patterns = append(patterns, role+"%")
			}
			c.add("EXISTS (SELECT 1 FROM unnest(roles) user_role WHERE user_role ILIKE ANY (?))", pq.StringArray(patterns))
		}
		if filter.IsActive != nil {
			if *filter.IsActive {
				c.add("is_active IS NOT FALSE")
			} else {
				c.add("is_active = FALSE")
			}
		}
		if filter.SchoolID != "" {
			c.add("school_id = ?", filter.SchoolID)
		}
		expiryConditions(&c, filter.SubscriptionStatus, filter.ExpiresAfter, filter.ExpiresBefore)
	}

	ordering = core.FilterOrdering(ordering, userSortable...)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	q, args, err := c.build("SELECT "+userColumns+" FROM users", ordering)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.user())
	}
	return users, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	var c conditions
	switch {
	case filter.ID != "":
		if !isUUID(filter.ID) {
			return user.User{}, user.ErrNotFound
		}
		c.add("id = ?", filter.ID)
	case filter.Username != "":
		c.add("username = ?", filter.Username)
	case filter.Email != "":
		c.add("lower(email) = lower(?)", filter.Email)
	case len(filter.UsernameOrEmail) > 0:
		uname, email := filter.UsernameOrEmail[0], filter.UsernameOrEmail[0]
		if len(filter.UsernameOrEmail) > 1 {
			email = filter.UsernameOrEmail[1]
		}
		c.add("(username = ? OR lower(email) = lower(?))", uname, email)
	default:
		return user.User{}, user.ErrNotFound
	}

	q, args, err := c.build("SELECT "+userColumns+" FROM users", nil)
	if err != nil {
		return user.User{}, err
	}
	var row userRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, q+" LIMIT 1", args...); err != nil {
		return user.User{}, repo.trapNoRowsErr(err, "selecting user")
	}
	return row.user(), nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	row := newUserRow(usr)
	q, args, err := sqlx.Named(`UPDATE users SET
		name = :name, username = :username, email = :email, is_active = :is_active, roles = :roles,
		school_id = :school_id, school_name = :school_name,
		subscription_status = :subscription_status, subscription_type = :subscription_type,
		subscription_expires_at = :subscription_expires_at,
		password_hash = :password_hash, updated_at = COALESCE(:updated_at, now()), last_login = :last_login
		WHERE id = :id RETURNING `+userColumns, row)
	if err != nil {
		return user.User{}, errors.Wrap(err, "binding user")
	}

	var updated userRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &updated, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		if isUniqueViolation(err, "") {
			return user.User{}, user.ErrUserExists
		}
		return user.User{}, repo.trapNoRowsErr(err, "updating user")
	}
	return updated.user(), nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	if usr.ID != "" {
		updated, err := repo.UpdateUser(ctx, usr, exec...)
		if errors.Cause(err) != user.ErrNotFound {
			return updated, err
		}
	}
	return repo.CreateUser(ctx, usr, exec...)
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var c conditions
	c.in("id", ids)
	q, args, err := c.build("DELETE FROM users", nil)
	if err != nil {
		return 0, err
	}

	res, err := repo.getExec(exec).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting users")
	}
	return rowsAffected(res, "counting deleted users")
}
