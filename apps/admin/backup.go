package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

func (cli *commandLine) runBackup(ctx context.Context) error {
	if cli.backup == nil {
		return errors.New("backups are not configured")
	}
	key, err := cli.backup.Run(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "backup uploaded to %s\n", key)
	return nil
}
