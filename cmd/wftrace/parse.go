package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wftrace/wftrace/internal/kickstart"
)

var parseJSON bool

var parseCmd = &cobra.Command{
	Use:   "parse-record <file>...",
	Short: "Parse task wrapper output files and print what was found",
	Long: `Parses one or more wrapper output files (either record syntax, auto
detected) and prints a summary per record. Useful for checking what the
ingest pipeline would extract from a job's captured output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			records := kickstart.ParseFile(path)
			if len(records) == 0 {
				fmt.Fprintf(os.Stderr, "%s: no records\n", path)
				continue
			}
			if parseJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(records); err != nil {
					return err
				}
				continue
			}
			for i, rec := range records {
				printRecord(path, i, &rec)
			}
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Dump parsed records as JSON")
}

func printRecord(path string, i int, rec *kickstart.Record) {
	switch rec.Kind {
	case kickstart.RecordInvocation:
		inv := rec.Invocation
		exit := "?"
		if inv.ExitCode != nil {
			exit = fmt.Sprintf("%d", *inv.ExitCode)
		}
		dur := "?"
		if inv.Duration != nil {
			dur = fmt.Sprintf("%.3fs", *inv.Duration)
		}
		fmt.Printf("%s[%d] invocation %s on %s exit=%s duration=%s\n",
			path, i, inv.Transformation, inv.Hostname, exit, dur)
	case kickstart.RecordTask, kickstart.RecordClusterSummary:
		fmt.Printf("%s[%d] %s %v\n", path, i, rec.Kind, rec.Props)
	case kickstart.RecordMultipart:
		fmt.Printf("%s[%d] multipart with %d keys\n", path, i, len(rec.Multipart))
	}
}
