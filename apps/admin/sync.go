package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/syncq"
)

func (cli *commandLine) sync(ctx context.Context, sub string, args []string) error {
	switch sub {
	case "status":
		statusCmd := cli.flagSet("sync status")
		output := statusCmd.String("o", "text", "Output format: text or yaml.")
		if err := statusCmd.Parse(args); err != nil {
			return err
		}
		return cli.syncStatus(ctx, *output)
	case "drain":
		return cli.syncDrain(ctx)
	case "queue":
		queueCmd := cli.flagSet("sync queue")
		pending := queueCmd.Bool("pending", false, "Only list pending entries.")
		entity := queueCmd.String("entity", "", "Only list entries of this entity kind.")
		limit := queueCmd.Int("limit", 50, "Maximum number of entries.")
		if err := queueCmd.Parse(args); err != nil {
			return err
		}
		filter := syncq.QueryFilter{Entity: syncq.EntityKind(*entity), Limit: *limit}
		if *pending {
			st := syncq.StatusPending
			filter.Status = &st
		}
		return cli.syncQueue(ctx, filter)
	case "log":
		return cli.syncLog(ctx)
	case "lost":
		lostCmd := cli.flagSet("sync lost")
		since := lostCmd.String("since", "", "Only list writes lost after this RFC 3339 time.")
		ack := lostCmd.Bool("ack", false, "Acknowledge the listed writes, clearing the error state.")
		if err := lostCmd.Parse(args); err != nil {
			return err
		}
		var sinceT time.Time
		if *since != "" {
			t, err := time.Parse(time.RFC3339, *since)
			if err != nil {
				return errors.Wrap(err, "parsing -since")
			}
			sinceT = t
		}
		return cli.syncLost(ctx, sinceT, *ack)
	case "expire":
		return cli.syncExpire(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) syncStatus(ctx context.Context, output string) error {
	st, err := cli.worker.Status(ctx)
	if err != nil {
		return err
	}

	switch output {
	case "yaml":
		enc := yaml.NewEncoder(cli.out)
		defer func() { _ = enc.Close() }()
		return enc.Encode(st)
	case "text":
		w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "state:\t%s\n", st.State)
		_, _ = fmt.Fprintf(w, "online:\t%t\n", st.Online)
		_, _ = fmt.Fprintf(w, "pending:\t%d\n", st.Queue.Pending)
		_, _ = fmt.Fprintf(w, "failing:\t%d\n", st.Queue.Failing)
		_, _ = fmt.Fprintf(w, "captured:\t%d\n", st.RetryQueued)
		_, _ = fmt.Fprintf(w, "lost:\t%d\n", st.LostWrites)
		if st.Queue.LastSyncedAt != nil {
			_, _ = fmt.Fprintf(w, "last synced:\t%s\n", st.Queue.LastSyncedAt.Format(time.RFC3339))
		} else {
			_, _ = fmt.Fprint(w, "last synced:\tnever\n")
		}
		return w.Flush()
	default:
		return errors.Errorf("unknown output format %q", output)
	}
}

func (cli *commandLine) syncDrain(ctx context.Context) error {
	res, err := cli.worker.Pass(ctx, "cli")
	_, _ = fmt.Fprintf(cli.out, "synced %d, failed %d, skipped %d; replayed %d, rejected %d, remaining %d\n",
		res.Drain.Synced, res.Drain.Failed, res.Drain.Skipped,
		res.Replay.Replayed, res.Replay.Rejected, res.Replay.Remaining)
	if err != nil {
		if core.IsUnreachable(err) {
			return errors.Wrap(err, "remote unreachable, pass stopped")
		}
		return err
	}
	return nil
}

func (cli *commandLine) syncQueue(ctx context.Context, filter syncq.QueryFilter) error {
	entries, err := cli.queue.Query(ctx, filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tOP\tENTITY\tENTITY ID\tQUEUED AT\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		entityID := "-"
		if e.EntityID != nil {
			entityID = fmt.Sprint(*e.EntityID)
		}
		queuedAt := time.Unix(0, e.Timestamp*int64(time.Millisecond)).UTC().Format(time.RFC3339)
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Status, e.Operation, e.Entity, entityID, queuedAt, e.Attempts, e.LastError)
	}
	return w.Flush()
}

func (cli *commandLine) syncLog(ctx context.Context) error {
	log, err := cli.queue.SyncLog(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tPASSES\tSYNCED\tLAST PASS")
	for _, l := range log {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", l.Entity, l.Passes, l.Synced, l.LastSyncedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func (cli *commandLine) syncLost(ctx context.Context, since time.Time, ack bool) error {
	lost, err := cli.retries.LostWrites(ctx, since)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	if err = enc.Encode(lost); err != nil {
		return err
	}
	if ack {
		return cli.worker.AcknowledgeLostWrites(ctx)
	}
	return nil
}

func (cli *commandLine) syncExpire(ctx context.Context) error {
	lost, err := cli.retries.Expire(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "expired %d captured request(s)\n", len(lost))
	return nil
}
