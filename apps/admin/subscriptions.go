package main

import (
	"context"
	"fmt"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

func (cli *commandLine) expireSubscriptions() error {
	ctx := context.Background()
	n, err := cli.subSvc.ExpireDue(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d subscription(s) expired\n", n)

	n, err = cli.subSvc.WarnExpiring(ctx, core.Conf.Scheduler.WarningDays...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d expiry warning(s) sent\n", n)
	return nil
}

// activate grants a subscription to a teacher, looked up by username or email, or to a school.
func (cli *commandLine) activate(uname, schoolID string, months int) error {
	ctx := context.Background()
	act := subscription.Activation{SchoolID: schoolID, Months: months}
	if uname != "" {
		usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{core.CleanString(uname, true /* lower */)}})
		if err != nil {
			return err
		}
		act.UserID = usr.ID
	}
	if err := cli.subSvc.Activate(ctx, act); err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "subscription activated")
	return nil
}
