package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of a corpus file:
//
//	knowledge:
//	  - topic: gravity
//	    content: General relativity describes gravity as spacetime curvature.
//	    angle: theoretical
//	    source: notes/physics.md
type seedFile struct {
	Knowledge []seedRecord `yaml:"knowledge"`
}

type seedRecord struct {
	Topic   string `yaml:"topic"`
	Content string `yaml:"content"`
	Angle   string `yaml:"angle"`
	Source  string `yaml:"source"`
}

// SeedFromFile loads records from a YAML corpus file into the store and
// returns how many were inserted. Records with empty content are skipped and
// counted separately so a partially malformed file still seeds what it can.
func (s *KnowledgeStore) SeedFromFile(ctx context.Context, path string) (inserted, skipped int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, &AccessError{Op: "read seed file", Err: err}
	}

	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return 0, 0, &AccessError{Op: "parse seed file", Err: err}
	}
	if len(sf.Knowledge) == 0 {
		return 0, 0, &AccessError{Op: "parse seed file", Err: fmt.Errorf("no knowledge records in %s", path)}
	}

	for _, rec := range sf.Knowledge {
		if rec.Content == "" {
			skipped++
			continue
		}
		if _, err := s.StoreKnowledge(ctx, Record{
			Topic:   rec.Topic,
			Content: rec.Content,
			Angle:   rec.Angle,
			Source:  rec.Source,
		}); err != nil {
			return inserted, skipped, err
		}
		inserted++
	}
	return inserted, skipped, nil
}
