package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// previewColumn is one decoded date/time pair shown by preview.
type previewColumn struct {
	title   string
	dateCol string
	timeCol string
}

var previewColumns = map[rndc.Kind][]previewColumn{
	rndc.KindPositionReport: {
		{"CITA", "FECHACITA", "HORACITA"},
	},
	rndc.KindShipmentCompletion: {
		{"LLEGADA CARGUE", "FECHALLEGADACARGUE", "HORALLEGADACARGUE"},
		{"SALIDA CARGUE", "FECHASALIDACARGUE", "HORASALIDACARGUE"},
		{"LLEGADA DESCARGUE", "FECHALLEGADADESCARGUE", "HORALLEGADADESCARGUE"},
		{"SALIDA DESCARGUE", "FECHASALIDADESCARGUE", "HORASALIDADESCARGUE"},
	},
	rndc.KindManifestCompletion: {
		{"ENTREGA DOCUMENTOS", "FECHAENTREGADOCUMENTOS", "HORAENTREGADOCUMENTOS"},
	},
}

func newPreviewCmd(_ *globalOptions) *cobra.Command {
	var (
		kindName string
		csvOpts  ingest.CSVOptions
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Show how the dates and times of a spreadsheet will be read",
		Long: `Read the first sheet of an .xlsx or .csv file and print, per row, the row
identity and every date/time pair the selected operation uses.

Values that could not be parsed are replaced by the current date or time
when submitting; they are marked with "*".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := rndc.ParseKind(kindName)
			if err != nil {
				return err
			}
			sheet, err := ingest.ReadFile(args[0], csvOpts)
			if err != nil {
				return err
			}
			printPreview(cmd.OutOrStdout(), kind, sheet, limit)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kindName, "kind", "k", string(rndc.KindShipmentCompletion), "Operation: position-report, shipment-completion, manifest-completion")
	cmd.Flags().StringVar(&csvOpts.Encoding, "encoding", "utf-8", "CSV encoding: utf-8, windows-1251, windows-1252, iso-8859-1")
	cmd.Flags().StringVar(&csvOpts.Delimiter, "delimiter", ";", "CSV delimiter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n rows (0 = all)")
	return cmd
}

func printPreview(w io.Writer, kind rndc.Kind, sheet *ingest.Sheet, limit int) {
	cols := previewColumns[kind]

	fmt.Fprintf(w, "%-5s %-20s", "ROW", "KEY")
	for _, c := range cols {
		fmt.Fprintf(w, " %-18s", c.title)
	}
	fmt.Fprintln(w)

	degraded := 0
	for i, row := range sheet.Rows {
		if limit > 0 && i >= limit {
			break
		}
		fmt.Fprintf(w, "%-5d %-20s", i+1, truncate(submission.RowKey(kind, i+1, row), 20))
		for _, c := range cols {
			cell := "-"
			if row.Has(c.dateCol) {
				dt := ingest.Decode(row[c.dateCol], row[c.timeCol], 0)
				cell = dt.String()
				if dt.Degraded {
					cell += "*"
					degraded++
				}
			}
			fmt.Fprintf(w, " %-18s", cell)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%d rows", len(sheet.Rows))
	if degraded > 0 {
		fmt.Fprintf(w, ", %d values could not be parsed (*)", degraded)
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
