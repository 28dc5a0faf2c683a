package main

import (
	"context"
	"fmt"

	"github.com/classesnumeriques/platform/core/exercise"
)

// rescore recomputes the stored attempts of one exercise, or of all exercises when `exID` is empty.
func (cli *commandLine) rescore(exID string, dryRun bool) error {
	ctx := context.Background()

	var exercises []exercise.Exercise
	if exID != "" {
		ex, err := cli.exSvc.Get(ctx, exID)
		if err != nil {
			return err
		}
		exercises = append(exercises, ex)
	} else {
		var err error
		if exercises, err = cli.exSvc.Query(ctx, &exercise.QueryFilter{}, nil); err != nil {
			return err
		}
	}

	var total int
	for _, ex := range exercises {
		n, err := cli.attSvc.Rescore(ctx, ex, dryRun)
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Fprintf(cli.out, "%s %q: %d attempt(s)\n", ex.ID, ex.Title, n)
		}
		total += n
	}

	verb := "rescored"
	if dryRun {
		verb = "would be rescored"
	}
	fmt.Fprintf(cli.out, "%d attempt(s) %s\n", total, verb)
	return nil
}
