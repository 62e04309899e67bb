package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franckalain/healthscan/internal/models"
	"github.com/franckalain/healthscan/internal/scan"
)

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <barcode>",
		Short: "Look a barcode up, grade it and store the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Scanner.Submit(cmd.Context(), args[0])
			if err := writeScanResult(cmd.OutOrStdout(), rootOpts.Format, res); err != nil {
				return err
			}
			if res.Failure != nil {
				return errors.New(res.Failure.Message)
			}
			return nil
		},
	}
}

func writeScanResult(w io.Writer, format string, res scan.Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	switch {
	case res.Failure != nil:
		_, err := fmt.Fprintf(w, "Scan failed (%s): %s\n", res.Failure.Kind, res.Failure.Message)
		return err
	case res.Record == nil:
		_, err := fmt.Fprintf(w, "Barcode ignored (session %s)\n", res.State)
		return err
	}
	return writeRecord(w, *res.Record)
}

func writeRecord(w io.Writer, rec models.ScanRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", rec.Product.DisplayName(), rec.Barcode)
	if rec.Product.Brands != "" {
		fmt.Fprintf(&b, "Brand: %s\n", rec.Product.Brands)
	}
	fmt.Fprintf(&b, "Score: %.0f/100 (%s)\n", rec.Analysis.OverallScore, scoreLabel(rec.Analysis.OverallScore))
	for _, name := range sortedKeys(rec.Analysis.SubScores) {
		fmt.Fprintf(&b, "  %-12s %5.0f\n", name, rec.Analysis.SubScores[name])
	}
	for _, f := range rec.Analysis.RedFlags {
		fmt.Fprintf(&b, "! [%s] %s: %s\n", f.Severity, f.Category, f.Issue)
	}
	if rec.Analysis.Recommendation != "" {
		fmt.Fprintf(&b, "%s\n", rec.Analysis.Recommendation)
	}
	if !rec.Synced {
		fmt.Fprintf(&b, "(stored on this device only)\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func scoreLabel(score float64) string {
	switch {
	case score >= 80:
		return "Excellent"
	case score >= 60:
		return "Good"
	case score >= 40:
		return "Fair"
	default:
		return "Poor"
	}
}
