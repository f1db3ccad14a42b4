package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Configurazione del programma
type Config struct {
	Verbose      bool
	Parallel     bool
	MaxWorkers   int
	ShowSections bool
	Lookup       bool
	ConfigPath   string
}

var config = &Config{}

var rootCmd = &cobra.Command{
	Use:   "gopehash [flags] FILE...",
	Short: "Compute clustering fingerprints for PE binaries",
	Long: `gopehash computes the Team Cymru PEhash for Portable Executable files:
a short digest that stays stable across trivial recompiles and repacks, so
related samples cluster on the same value. Alongside it the tool reports the
sample SHA-1, the import-table hash and per-section entropy.

With --lookup the sample SHA-1 is queried against the TotalHash sandbox
report service and the findings are printed.

Examples:
  gopehash sample.exe                 # fingerprint one file
  gopehash -j --workers=8 *.exe       # parallel processing with 8 workers
  gopehash --sections -v sample.exe   # include the per-section breakdown
  gopehash --lookup --config th.yaml sample.exe`,
	Args:          cobra.MinimumNArgs(1),
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.Flags().BoolVarP(&config.Parallel, "parallel", "j", false, "Process files in parallel")
	rootCmd.Flags().IntVar(&config.MaxWorkers, "workers", 4, "Maximum number of parallel workers")
	rootCmd.Flags().BoolVar(&config.ShowSections, "sections", false, "Print the per-section breakdown")
	rootCmd.Flags().BoolVar(&config.Lookup, "lookup", false, "Look up each sample on TotalHash")
	rootCmd.Flags().StringVar(&config.ConfigPath, "config", "", "TotalHash credentials file (YAML)")
}
