package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type (
	syncWorker interface {
		Pass(ctx context.Context, trigger string) (syncer.PassResult, error)
		Status(ctx context.Context) (syncer.Status, error)
		AcknowledgeLostWrites(ctx context.Context) error
	}

	syncQueue interface {
		Query(ctx context.Context, filter syncq.QueryFilter) ([]syncq.Entry, error)
		SyncLog(ctx context.Context) ([]syncq.LogEntry, error)
	}

	retryQueue interface {
		Expire(ctx context.Context) ([]retryq.LostWrite, error)
		LostWrites(ctx context.Context, since time.Time) ([]retryq.LostWrite, error)
	}

	backupRunner interface {
		Run(ctx context.Context) (string, error)
	}
)

type commandLine struct {
	conf     *core.Config
	db       *sqlx.DB
	worker   syncWorker
	queue    syncQueue
	retries  retryQueue
	settings core.SettingsStore
	backup   backupRunner
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	_, _ = fmt.Fprintln(cli.out, "Usage:")
	_, _ = fmt.Fprintln(cli.out, "  migrate COMMAND - run a migration command (up, down, status, version, redo, reset)")
	_, _ = fmt.Fprintln(cli.out, "  sync status [-o text|yaml] - show the sync state")
	_, _ = fmt.Fprintln(cli.out, "  sync drain - run one sync pass now")
	_, _ = fmt.Fprintln(cli.out, "  sync queue [-pending] [-entity KIND] [-limit N] - list sync queue entries")
	_, _ = fmt.Fprintln(cli.out, "  sync log - show per-entity sync counters")
	_, _ = fmt.Fprintln(cli.out, "  sync lost [-since RFC3339] [-ack] - list (and acknowledge) lost writes")
	_, _ = fmt.Fprintln(cli.out, "  sync expire - drop captured requests older than the retention window")
	_, _ = fmt.Fprintln(cli.out, "  remote-key - store the remote API key (prompted, stored encrypted)")
	_, _ = fmt.Fprintln(cli.out, "  token -school ID -user ID [-username NAME] [-admin] - issue an API token")
	_, _ = fmt.Fprintln(cli.out, "  backup - upload a snapshot of the local ledger")
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(ctx, args[2:])
	case "sync":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.sync(ctx, args[2], args[3:])
	case "remote-key":
		_, _ = fmt.Fprint(cli.out, "Enter remote API key:")
		key, err := readPasswordFunc(int(syscall.Stdin))
		_, _ = fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			cli.printUsage()
			return errHelp
		}
		return cli.storeRemoteKey(ctx, string(key))
	case "token":
		tokenCmd := cli.flagSet("token")
		schoolID := tokenCmd.Int64("school", 0, "The school the token is scoped to (0 for none).")
		userID := tokenCmd.String("user", "", "The operator's id.")
		uname := tokenCmd.String("username", "", "The operator's display name.")
		isAdmin := tokenCmd.Bool("admin", false, "Issue an admin token.")
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *userID == "" || (*schoolID <= 0 && !*isAdmin) {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*userID, *uname, *schoolID, *isAdmin)
	case "backup":
		return cli.runBackup(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}
