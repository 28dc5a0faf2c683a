package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db      *sql.DB
	usrRepo user.Repository
	exSvc   exercise.ServiceInterface
	attSvc  attempt.ServiceInterface
	subSvc  subscription.ServiceInterface
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status, redo, version...)")
	fmt.Fprintln(cli.out, "  adduser -username USERNAME [-email EMAIL] [-name NAME] [-role admin|teacher|student] - create or update a user")
	fmt.Fprintln(cli.out, "  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Fprintln(cli.out, "  rescore -exercise ID|-all [-dry-run] - recompute the scores of the stored attempts")
	fmt.Fprintln(cli.out, "  fiximages [-dry-run] - normalize the image paths of all exercises")
	fmt.Fprintln(cli.out, "  expiresubscriptions - expire the subscriptions past their expiry date")
	fmt.Fprintln(cli.out, "  activate -user USERNAME|EMAIL|-school ID [-months N] - activate a subscription")
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

// promptPassword reads a password without echoing it.
func (cli *commandLine) promptPassword() (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	return string(pwd), err
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			fmt.Fprintln(cli.out, "Usage: migrate COMMAND [ARGS]")
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		cmd := cli.newFlagSet("adduser")
		uname := cmd.String("username", "", "The user's username.")
		email := cmd.String("email", "", "The user's email.")
		name := cmd.String("name", "", "The user's full name.")
		role := cmd.String("role", "admin", "The user's role: admin, teacher or student.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if *uname == "" {
			cmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			cmd.Usage()
			return errHelp
		}
		return cli.addUser(*name, *uname, *email, pwd, *role)

	case "resetpassword":
		cmd := cli.newFlagSet("resetpassword")
		uname := cmd.String("username", "", "The user's username or email. The password will be prompted next.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if *uname == "" {
			cmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			cmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*uname, pwd)

	case "rescore":
		cmd := cli.newFlagSet("rescore")
		exID := cmd.String("exercise", "", "The ID of the exercise to rescore.")
		all := cmd.Bool("all", false, "Rescore the attempts of all exercises.")
		dryRun := cmd.Bool("dry-run", false, "Only report the attempts whose score would change.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if (*exID == "") == !*all {
			cmd.Usage()
			return errHelp
		}
		return cli.rescore(*exID, *dryRun)

	case "fiximages":
		cmd := cli.newFlagSet("fiximages")
		dryRun := cmd.Bool("dry-run", false, "Only report the exercises that would change.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.fixImages(*dryRun)

	case "expiresubscriptions":
		return cli.expireSubscriptions()

	case "activate":
		cmd := cli.newFlagSet("activate")
		uname := cmd.String("user", "", "The username or email of the teacher to activate.")
		schoolID := cmd.String("school", "", "The ID of the school to activate.")
		months := cmd.Int("months", 0, "The subscription length in months (default: the configured period).")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if (*uname == "") == (*schoolID == "") || *months < 0 {
			cmd.Usage()
			return errHelp
		}
		return cli.activate(*uname, *schoolID, *months)

	default:
		cli.printUsage()
		return errHelp
	}
}
