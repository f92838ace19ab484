package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"axiomhive/internal/assistant"
	"axiomhive/internal/audit"
	"axiomhive/internal/integrity"
	"axiomhive/internal/sidecar"
	"axiomhive/internal/store"
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Ask a question, answered entirely from the local knowledge store",
	Long: `Verifies and launches the reasoning sidecar, decomposes the query into
historical, theoretical and practical angles, retrieves local evidence for
each, and prints the synthesized, fully-cited answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trusted, err := integrity.LoadTrustedDigest(cfg.Sidecar.DigestPath)
	if err != nil {
		return fmt.Errorf("trusted digest unavailable, refusing to launch sidecar: %w", err)
	}

	ks, err := store.NewKnowledgeStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		return err
	}

	trail, err := audit.Open(cfg.Audit.DatabasePath, logger)
	if err != nil {
		// Audit unavailability degrades observability, not answers.
		logger.Error("audit trail unavailable", zap.Error(err))
		trail = nil
	}

	var watcher *integrity.DigestWatcher
	if cfg.Sidecar.WatchDigest {
		watcher, err = integrity.WatchDigest(cfg.Sidecar.DigestPath, logger)
		if err != nil {
			logger.Warn("digest watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			go func() {
				for ev := range watcher.Events() {
					if trail != nil {
						if err := trail.RecordAnomaly(ctx, "digest_tamper", ev.Op+" "+ev.Path); err != nil {
							logger.Debug("anomaly record failed", zap.Error(err))
						}
					}
				}
			}()
		}
	}

	sup := sidecar.New(sidecar.Options{
		ArtifactPath:  cfg.Sidecar.ArtifactPath,
		TrustedDigest: trusted,
		SendTimeout:   cfg.Sidecar.SendTimeoutDuration(),
		MaxRetries:    cfg.Sidecar.MaxRetries,
		RetryBackoff:  cfg.Sidecar.RetryBackoffDuration(),
		ShutdownGrace: cfg.Sidecar.ShutdownGraceDuration(),
		Logger:        logger,
	})

	a := assistant.New(sup, ks, trail, assistant.Options{
		MaxEvidencePerBranch: cfg.Store.MaxEvidencePerBranch,
		Logger:               logger,
	})
	defer a.Shutdown(context.Background())

	if err := sup.Start(ctx); err != nil {
		return err
	}

	answer, err := a.HandleQuery(ctx, query)
	if err != nil {
		return err
	}

	fmt.Println(answer.Text)
	if answer.Degraded {
		fmt.Println("note: the knowledge store was partially unavailable; this answer is incomplete")
	}
	fmt.Printf("query id: %s\n", answer.QueryID)
	return nil
}
