package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"axiomhive/internal/integrity"
	"axiomhive/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installation health: artifact integrity and store contents",
	RunE:  runStatus,
}

// writeTrustedDigest persists a digest with a trailing newline, the same shape
// LoadTrustedDigest tolerates.
func writeTrustedDigest(path string, d integrity.Digest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(string(d)+"\n"), 0o644)
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Printf("home: %s\n", cfg.Home)

	trusted, err := integrity.LoadTrustedDigest(cfg.Sidecar.DigestPath)
	switch {
	case err != nil:
		fmt.Printf("sidecar: no trusted digest (%v)\n", err)
	default:
		res := integrity.Verify(cfg.Sidecar.ArtifactPath, trusted)
		if res.Matched {
			fmt.Printf("sidecar: verified (%s)\n", res.ComputedDigest)
		} else {
			fmt.Printf("sidecar: NOT verified: %s\n", res.Reason)
		}
	}

	ks, err := store.NewKnowledgeStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		fmt.Printf("store: unavailable (%v)\n", err)
		return nil
	}
	defer ks.Close()

	st, err := ks.Stats(cmd.Context())
	if err != nil {
		fmt.Printf("store: unavailable (%v)\n", err)
		return nil
	}
	fmt.Printf("store: %d records across %d topics (%s)\n", st.Records, st.Topics, st.Path)
	return nil
}
