package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryabkov82/rndc-batch-server/internal/httpapi"
)

func newImportCmd(global *globalOptions) *cobra.Command {
	var (
		req      httpapi.ImportRequest
		noWait   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "import <server-path>",
		Short: "Ask the server to import a spreadsheet from its own import directory",
		Long: `Ask the batch server to read a spreadsheet that already sits below its
allowed base directory, build the registry operations with the server's
credentials and create a batch from them.

The path is resolved on the server, not locally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, client, log, err := global.connect()
			if err != nil {
				return err
			}

			req.InputPath = args[0]
			resp, err := client.Import(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s created: %s\n", resp.BatchID, resp.Message)
			if noWait {
				return nil
			}
			if interval <= 0 {
				interval = cfg.Poller.Interval()
			}
			return follow(ctx, out, client, log, resp.BatchID, interval)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.Kind, "kind", "k", "shipment-completion", "Operation: position-report, shipment-completion, manifest-completion")
	f.StringVarP(&req.Environment, "env", "e", "", "Registry environment (default: server's rndc.environment)")
	f.StringVar(&req.Encoding, "encoding", "", "CSV encoding (default utf-8)")
	f.StringVar(&req.Delimiter, "delimiter", "", "CSV delimiter (default ;)")
	f.BoolVar(&noWait, "no-wait", false, "Print the batch id and exit without polling")
	f.DurationVar(&interval, "interval", 0, "Poll interval (default poller.interval_ms)")
	return cmd
}
