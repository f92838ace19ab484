package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"axiomhive/internal/integrity"
)

var verifyWrite bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the sidecar binary against the trusted digest",
	Long: `Computes the SHA-256 digest of the configured sidecar binary and compares
it to the trusted digest file. With --write, records the computed digest as
the new trusted digest instead (do this only for a binary you built yourself).`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyWrite, "write", false, "record the computed digest as trusted")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyWrite {
		d, err := integrity.ComputeDigest(cfg.Sidecar.ArtifactPath)
		if err != nil {
			return err
		}
		if err := writeTrustedDigest(cfg.Sidecar.DigestPath, d); err != nil {
			return err
		}
		fmt.Printf("trusted digest updated: %s\n", d)
		return nil
	}

	trusted, err := integrity.LoadTrustedDigest(cfg.Sidecar.DigestPath)
	if err != nil {
		return err
	}

	res := integrity.Verify(cfg.Sidecar.ArtifactPath, trusted)
	if !res.Matched {
		return fmt.Errorf("verification FAILED: %s", res.Reason)
	}
	fmt.Printf("verification passed\n  artifact: %s\n  digest:   %s\n", res.ArtifactPath, res.ComputedDigest)
	return nil
}
