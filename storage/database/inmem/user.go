package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

type userRepository struct {
	db *userTable
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) *userRepository {
	return &userRepository{db: db.user}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	return users
}

func (repo *userRepository) CheckUsernameUniqueness(_ context.Context, username, email string, excludedUsers []user.User, _ ...core.DBExecutor) error {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, usr := range repo.query() {
		if isExcluded(usr, excludedUsers) {
			continue
		}
		if (username != "" && usr.Username == username) || (email != "" && usr.Email == email) {
			return user.ErrUserExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User, _ ...core.DBExecutor) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	usr.ID = uuid.NewString()
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) QueryUsers(_ context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	users := make([]user.User, 0)
	for _, usr := range repo.query() {
		if filter == nil || matchUser(usr, filter) {
			users = append(users, usr)
		}
	}

	sort.SliceStable(users, orderedLess(ordering, func(field string, i, j int) int {
		a, b := users[i], users[j]
		switch field {
		case "name":
			return cmpStrings(a.Name, b.Name)
		case "username":
			return cmpStrings(a.Username, b.Username)
		case "email":
			return cmpStrings(a.Email, b.Email)
		case "created_at":
			return cmpTimes(a.CreatedAt, b.CreatedAt)
		case "updated_at":
			return cmpTimes(a.UpdatedAt, b.UpdatedAt)
		case "last_login":
			return cmpTimes(a.LastLogin, b.LastLogin)
		}
		return 0
	}, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) }))
	return users, nil
}

func matchUser(usr user.User, f *user.QueryFilter) bool {
	if f.Search != "" && !(containsFold(usr.Name, f.Search) || containsFold(usr.Username, f.Search) || containsFold(usr.Email, f.Search)) {
		return false
	}
	if len(f.Roles) > 0 {
		var found bool
		for _, role := range f.Roles {
			if usr.RoleStartsWith(role) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.IsActive != nil && usr.Active() != *f.IsActive {
		return false
	}
	if f.SchoolID != "" && usr.SchoolID != f.SchoolID {
		return false
	}
	if f.SubscriptionStatus != "" && usr.Subscription.Status != f.SubscriptionStatus {
		return false
	}
	if !f.ExpiresAfter.IsZero() || !f.ExpiresBefore.IsZero() {
		exp := usr.Subscription.ExpiresAt
		if exp.IsZero() {
			return false
		}
		if !f.ExpiresAfter.IsZero() && exp.Before(f.ExpiresAfter) {
			return false
		}
		if !f.ExpiresBefore.IsZero() && !exp.Before(f.ExpiresBefore) {
			return false
		}
	}
	return true
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter, _ ...core.DBExecutor) (user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if filter.ID != "" {
		if usr, ok := repo.db.table[filter.ID]; ok {
			return *usr, nil
		}
		return user.User{}, user.ErrNotFound
	}
	for _, usr := range repo.query() {
		switch {
		case filter.Username != "":
			if usr.Username == filter.Username {
				return usr, nil
			}
		case filter.Email != "":
			if strings.EqualFold(usr.Email, filter.Email) {
				return usr, nil
			}
		case len(filter.UsernameOrEmail) > 0:
			uname, email := filter.UsernameOrEmail[0], filter.UsernameOrEmail[0]
			if len(filter.UsernameOrEmail) > 1 {
				email = filter.UsernameOrEmail[1]
			}
			if usr.Username == uname || strings.EqualFold(usr.Email, email) {
				return usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User, _ ...core.DBExecutor) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[usr.ID]; !ok {
		return user.User{}, user.ErrNotFound
	}
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	repo.db.RLock()
	_, exists := repo.db.table[usr.ID]
	repo.db.RUnlock()

	if usr.ID != "" && exists {
		return repo.UpdateUser(ctx, usr, exec...)
	}
	return repo.CreateUser(ctx, usr, exec...)
}

func (repo *userRepository) DeleteUsersByID(_ context.Context, ids []string, _ ...core.DBExecutor) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var n int
	for _, id := range ids {
		if _, ok := repo.db.table[id]; ok {
			delete(repo.db.table, id)
			n++
		}
	}
	return n, nil
}

func isExcluded(usr user.User, excludedUsers []user.User) bool {
	for _, u := range excludedUsers {
		if u.ID == usr.ID {
			return true
		}
	}
	return false
}
