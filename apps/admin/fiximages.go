package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) fixImages(dryRun bool) error {
	n, err := cli.exSvc.NormalizeImages(context.Background(), dryRun)
	if err != nil {
		return err
	}
	verb := "updated"
	if dryRun {
		verb = "would be updated"
	}
	fmt.Fprintf(cli.out, "%d exercise(s) %s\n", n, verb)
	return nil
}
