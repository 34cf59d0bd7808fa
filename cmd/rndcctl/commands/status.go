package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

func newStatusCmd(global *globalOptions) *cobra.Command {
	var (
		showRows bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the current state of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, _, err := global.connect()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			b, err := client.GetBatch(ctx, args[0])
			if err != nil {
				return err
			}
			var recs []submission.Record
			if showRows || asJSON {
				if recs, err = client.ListSubmissions(ctx, args[0]); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return outputStatusJSON(out, b, recs)
			}
			printBatch(out, b)
			if showRows {
				printResults(out, recs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showRows, "rows", "r", false, "Also list every row with its registry answer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func printBatch(w io.Writer, b *batch.Batch) {
	fmt.Fprintf(w, "Batch:     %s\n", b.ID)
	fmt.Fprintf(w, "Kind:      %s\n", b.Kind)
	fmt.Fprintf(w, "Status:    %s\n", b.Status)
	fmt.Fprintf(w, "Total:     %d\n", b.TotalRecords)
	fmt.Fprintf(w, "Succeeded: %d\n", b.SuccessCount)
	fmt.Fprintf(w, "Failed:    %d\n", b.ErrorCount)
	fmt.Fprintf(w, "Pending:   %d\n", b.PendingCount)
	fmt.Fprintf(w, "Created:   %s\n", b.CreatedAt.Local().Format(time.DateTime))
	if b.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", b.CompletedAt.Local().Format(time.DateTime))
	}
}

func outputStatusJSON(w io.Writer, b *batch.Batch, recs []submission.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Batch       *batch.Batch        `json:"batch"`
		Submissions []submission.Record `json:"submissions"`
	}{b, recs})
}
