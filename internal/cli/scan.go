package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-trustvault/internal/detector"
	"github.com/xela07ax/spaceai-trustvault/internal/trust"
)

var (
	scanCatalogue string
	scanMaxBytes  int
)

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Dry-run the detector on a file or stdin",
	Long: `Run the dangerous-construct detector over text without storing it and
print where the findings are and the trust level the record would get.
The matched text itself is never printed.

  trustvault scan notes.txt
  cat notes.txt | trustvault scan`,
	Args: cobra.MaximumNArgs(1),
	RunE: scanCommand,
}

func init() {
	scanCmd.Flags().StringVar(&scanCatalogue, "catalogue", "", "Path to a detector catalogue YAML (default: built-in)")
	scanCmd.Flags().IntVar(&scanMaxBytes, "max-bytes", 1<<20, "Reject input larger than this many bytes")
	rootCmd.AddCommand(scanCmd)
}

func scanCommand(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	// Читаем на байт больше лимита, чтобы Validate увидел превышение
	data, err := io.ReadAll(io.LimitReader(in, int64(scanMaxBytes)+1))
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	det := detector.Default()
	if scanCatalogue != "" {
		raw, err := os.ReadFile(scanCatalogue)
		if err != nil {
			return fmt.Errorf("failed to read catalogue: %w", err)
		}
		cat, err := detector.ParseCatalogue(raw)
		if err != nil {
			return err
		}
		det = detector.New(cat)
	}

	text := string(data)
	if err := detector.Validate(text, scanMaxBytes); err != nil {
		return err
	}

	findings := det.Detect(text)
	decision := trust.Classify(findings)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalogue: %s\n", det.CatalogueVersion())
	fmt.Fprintf(out, "findings:  %d\n", len(findings))
	for _, f := range findings {
		fmt.Fprintf(out, "  %-10s %-24s %-28s offset=%d length=%d\n", f.Severity, f.Class, f.RuleID, f.Offset, f.Length)
	}
	fmt.Fprintf(out, "verdict:   %s\n", decision.Next)
	return nil
}
