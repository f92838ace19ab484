package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"axiomhive/internal/store"
)

var (
	seedTopic  string
	seedAngle  string
	seedSource string
)

var seedCmd = &cobra.Command{
	Use:   "seed [corpus.yaml | --topic t content...]",
	Short: "Load knowledge into the local store",
	Long: `Seeds the local knowledge store, either from a YAML corpus file:

  axiomhive seed corpus.yaml

or with a single record given inline:

  axiomhive seed --topic gravity --angle theoretical "Gravity is spacetime curvature."`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTopic, "topic", "", "topic for an inline record")
	seedCmd.Flags().StringVar(&seedAngle, "angle", "", "angle tag (historical, theoretical, practical) for an inline record")
	seedCmd.Flags().StringVar(&seedSource, "source", "", "source attribution for an inline record")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ks, err := store.NewKnowledgeStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer ks.Close()

	if seedTopic != "" {
		id, err := ks.StoreKnowledge(cmd.Context(), store.Record{
			Topic:   seedTopic,
			Content: strings.Join(args, " "),
			Angle:   seedAngle,
			Source:  seedSource,
		})
		if err != nil {
			return err
		}
		fmt.Printf("stored record %d under topic %q\n", id, seedTopic)
		return nil
	}

	inserted, skipped, err := ks.SeedFromFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d records from %s", inserted, args[0])
	if skipped > 0 {
		fmt.Printf(" (%d skipped for empty content)", skipped)
	}
	fmt.Println()
	return nil
}
