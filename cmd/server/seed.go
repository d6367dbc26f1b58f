package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
	"github.com/evoquant/evoquant/internal/strategy"
)

// seedFile is the YAML shape of a seed bundle. Rulesets use the same
// envelope encoding as the API; YAML nodes pass through JSON to reuse
// the discriminated-union decoder.
type seedFile struct {
	Strategies []struct {
		OwnerID    string                 `yaml:"owner_id"`
		Name       string                 `yaml:"name"`
		AssetType  string                 `yaml:"asset_type"`
		Parameters map[string]float64     `yaml:"parameters"`
		Ruleset    map[string]interface{} `yaml:"ruleset"`
	} `yaml:"strategies"`
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load strategies from a YAML file",
		Long: `Load strategies from a YAML file into the store. Seeded strategies
enter pending review and pass through the monitoring worker like uploads.
Seeding is idempotent: entries whose fingerprint already exists in the
active population are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			dbs, err := openDatabases(cfg)
			if err != nil {
				return err
			}
			defer dbs.close(log)
			if err := dbs.migrate(); err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var seeds seedFile
			if err := yaml.Unmarshal(data, &seeds); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			repo := strategy.NewRepository(dbs.strategies.Conn(), clock.NewReal(), log)

			created, skipped := 0, 0
			for _, entry := range seeds.Strategies {
				ruleset, err := rulesetFromYAML(entry.Ruleset)
				if err != nil {
					return fmt.Errorf("strategy %q: %w", entry.Name, err)
				}

				strat := &domain.Strategy{
					ID:         uuid.NewString(),
					OwnerID:    entry.OwnerID,
					Name:       entry.Name,
					Parameters: entry.Parameters,
					Ruleset:    *ruleset,
					AssetType:  domain.AssetType(entry.AssetType),
					Status:     domain.StatusPendingReview,
				}

				fp, err := strategy.Fingerprint(strat)
				if err != nil {
					return fmt.Errorf("strategy %q: %w", entry.Name, err)
				}
				exists, err := repo.FingerprintExists(fp)
				if err != nil {
					return err
				}
				if exists {
					log.Info().Str("name", entry.Name).Msg("Seed entry already present, skipping")
					skipped++
					continue
				}

				if err := repo.Create(strat); err != nil {
					return fmt.Errorf("strategy %q: %w", entry.Name, err)
				}
				created++
			}

			log.Info().Int("created", created).Int("skipped", skipped).Msg("Seed complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "seed file path")
	return cmd
}

// rulesetFromYAML round-trips a YAML node through JSON so the ruleset's
// envelope decoder applies.
func rulesetFromYAML(node map[string]interface{}) (*domain.Ruleset, error) {
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("encode ruleset: %w", err)
	}
	var rs domain.Ruleset
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}
