package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"axiomhive/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit [query-id]",
	Short: "Show the audit trail for a query",
	Long: `Prints the append-only reasoning trail recorded for a query: the
decomposition, each branch's retrieval and scoring, and the final synthesis,
in the order they happened.`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	trail, err := audit.Open(cfg.Audit.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer trail.Close()

	entries, err := trail.EntriesFor(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no audit entries for query %s\n", args[0])
		return nil
	}

	for _, e := range entries {
		branch := e.Branch
		if branch == "" {
			branch = "-"
		}
		fmt.Printf("%3d  %-12s %-12s %s\n", e.Seq, e.Stage, branch, e.Payload)
	}
	return nil
}
