package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradecore/safetycore/internal/security"
)

var scanRoot string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the source tree for hardcoded credentials and leak-prone patterns",
	Long:  "Runs the security scanner as a pre-commit/CI gate and prints a structured JSON report (spec.md §6 'Security scan report').",
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := security.New(scanRoot)
		report, err := scanner.Scan(time.Now())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))

		if report.CriticalLeaks > 0 {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanRoot, "root", ".", "root directory to scan")
	RootCmd.AddCommand(scanCmd)
}
