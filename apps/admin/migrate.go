package main

import (
	"context"

	"github.com/trezcool/feeledger/storage/database"
)

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrate(ctx context.Context, args []string) error {
	return migrateFunc(ctx, cli.db.DB, cli.conf.Database.Engine, args[0])
}
