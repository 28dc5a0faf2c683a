package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

var cliRoles = map[string]string{
	"admin":   user.RoleAdmin,
	"teacher": user.RoleTeacher,
	"student": user.RoleStudent,
}

// addUser updates or creates a user.User
func (cli *commandLine) addUser(name, uname, email, pwd, role string) error {
	roleValue, ok := cliRoles[core.CleanString(role, true /* lower */)]
	if !ok {
		return fmt.Errorf("%q: unknown role", role)
	}

	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	lookup := []string{uname}
	if email != "" {
		lookup = append(lookup, email)
	}
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: lookup})
	if err != nil {
		if errors.Cause(err) != user.ErrNotFound {
			return err
		}
		now := time.Now().UTC()
		usr = user.User{
			Username:     uname,
			Email:        email,
			Subscription: core.Subscription{}.Normalize(),
			CreatedAt:    now,
		}
	}
	if name = core.CleanString(name); name != "" {
		usr.Name = name
	} else if usr.Name == "" {
		usr.Name = uname
	}
	usr.Roles = []string{roleValue}
	usr.UpdatedAt = time.Now().UTC()
	usr.SetActive(true)
	if err = usr.SetPassword(pwd); err != nil {
		return err
	}
	if usr, err = cli.usrRepo.UpdateOrCreateUser(ctx, usr); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s (%s) saved\n", usr.Username, usr.ID)
	return nil
}
