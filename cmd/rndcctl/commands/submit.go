package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryabkov82/rndc-batch-server/internal/apiclient"
	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/poller"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

type submitOptions struct {
	kind        string
	environment string
	username    string
	password    string
	csv         ingest.CSVOptions
	noWait      bool
	interval    time.Duration
}

func newSubmitCmd(global *globalOptions) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Build registry operations from a spreadsheet and submit them as one batch",
		Long: `Read the first sheet of an .xlsx or .csv file, build one registry operation
per row and submit them to the batch server as a single batch.

Shipment completions first query the registry for the loaded quantity of
each shipment; rows whose query fails are sent with the default quantity.

Unless --no-wait is given, the batch is polled until every row has been
answered by the registry and the per-row results are printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubmit(ctx, cmd.OutOrStdout(), global, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.kind, "kind", "k", string(rndc.KindShipmentCompletion), "Operation: position-report, shipment-completion, manifest-completion")
	f.StringVarP(&opts.environment, "env", "e", "", "Registry environment (default rndc.environment)")
	f.StringVar(&opts.username, "username", "", "Registry username (default rndc.username)")
	f.StringVar(&opts.password, "password", "", "Registry password (default rndc.password)")
	f.StringVar(&opts.csv.Encoding, "encoding", "utf-8", "CSV encoding: utf-8, windows-1251, windows-1252, iso-8859-1")
	f.StringVar(&opts.csv.Delimiter, "delimiter", ";", "CSV delimiter")
	f.BoolVar(&opts.noWait, "no-wait", false, "Print the batch id and exit without polling")
	f.DurationVar(&opts.interval, "interval", 0, "Poll interval (default poller.interval_ms)")
	return cmd
}

func runSubmit(ctx context.Context, out io.Writer, global *globalOptions, opts *submitOptions, path string) error {
	kind, err := rndc.ParseKind(opts.kind)
	if err != nil {
		return err
	}
	if kind == rndc.KindQueryByConsecutive {
		return fmt.Errorf("%s cannot be submitted as a batch", kind)
	}

	cfg, client, log, err := global.connect()
	if err != nil {
		return err
	}
	wsURL, err := cfg.RNDC.WSURL(opts.environment)
	if err != nil {
		return err
	}

	creds := rndc.Credentials{Username: cfg.RNDC.Username, Password: cfg.RNDC.Password}
	if opts.username != "" {
		creds.Username = opts.username
	}
	if opts.password != "" {
		creds.Password = opts.password
	}

	timings := ingest.NewTimings()
	doneRead := timings.Track(ingest.StageRead)
	sheet, err := ingest.ReadFile(path, opts.csv)
	doneRead()
	if err != nil {
		return err
	}
	if len(sheet.Rows) == 0 {
		return batch.ErrEmptyBatch
	}

	factory := submission.NewFactory(rndc.NewBuilder(), creds,
		submission.WithQuerier(client, wsURL),
		submission.WithParallel(cfg.RNDC.QueryParallel),
		submission.WithLogger(log),
	)
	doneBuild := timings.Track(ingest.StageBuild)
	records, err := factory.FromRows(ctx, sheet.Rows, kind)
	doneBuild()
	if err != nil {
		return err
	}

	fallbacks := 0
	for _, rec := range records {
		if rec.QueryFallback {
			fallbacks++
		}
	}
	if fallbacks > 0 {
		fmt.Fprintf(out, "%d of %d rows use the default quantity %s\n", fallbacks, len(records), submission.FallbackQuantity)
	}

	doneSubmit := timings.Track(ingest.StageSubmit)
	batchID, err := client.SubmitBatch(ctx, records, wsURL)
	doneSubmit()
	if err != nil {
		return err
	}
	log.Debug("Batch submitted", map[string]interface{}{"batchId": batchID, "timings": timings.String()})
	fmt.Fprintf(out, "Batch %s submitted (%d rows, %s)\n", batchID, len(records), kind)
	if opts.noWait {
		return nil
	}

	interval := opts.interval
	if interval <= 0 {
		interval = cfg.Poller.Interval()
	}
	return follow(ctx, out, client, log, batchID, interval)
}

// follow polls batchID until it completes or ctx is done and prints the
// per-row results and one summary.
func follow(ctx context.Context, out io.Writer, client *apiclient.Client, log logger.Logger, batchID string, interval time.Duration) error {
	var summary *poller.Summary
	lastPending := -1

	p := poller.New(client, interval, log)
	session := p.Start(ctx, batchID, poller.Handlers{
		OnUpdate: func(s poller.Snapshot) {
			if s.Batch != nil && s.Batch.PendingCount != lastPending {
				lastPending = s.Batch.PendingCount
				fmt.Fprintf(out, "  %d/%d resolved\n", s.Batch.TotalRecords-s.Batch.PendingCount, s.Batch.TotalRecords)
			}
		},
		OnComplete: func(s poller.Summary) {
			summary = &s
		},
		OnError: func(_ string, err error) {
			fmt.Fprintf(out, "  poll failed: %v (retrying)\n", err)
		},
	})
	defer p.Close(batchID)

	if err := session.Wait(ctx); err != nil {
		fmt.Fprintf(out, "Stopped following batch %s; check later with: rndcctl status %s\n", batchID, batchID)
		return err
	}

	snap := session.Snapshot()
	printResults(out, snap.Records)
	if summary != nil {
		fmt.Fprintf(out, "\nBatch %s completed: %d succeeded, %d failed, %d total\n",
			summary.BatchID, summary.SuccessCount, summary.ErrorCount, summary.TotalRecords)
	}
	return nil
}

func printResults(w io.Writer, records []submission.Record) {
	fmt.Fprintf(w, "\n%-5s %-20s %-10s %-10s %s\n", "ROW", "KEY", "STATUS", "CODE", "MESSAGE")
	for _, rec := range records {
		fmt.Fprintf(w, "%-5d %-20s %-10s %-10s %s\n",
			rec.RowNo, truncate(rec.Key(), 20), rec.Status, truncate(rec.ResponseCode, 10), rec.ResponseMessage)
	}
}
