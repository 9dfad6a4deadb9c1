package strategy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"signalist/pkg/db"
)

// BotDefinition is one bot entry in the YAML catalog.
type BotDefinition struct {
	UserID    string         `yaml:"user_id"`
	BotID     string         `yaml:"bot_id"`
	Broker    string         `yaml:"broker"`
	Strategy  string         `yaml:"strategy"`
	Symbol    string         `yaml:"symbol"`
	Params    map[string]any `yaml:"params"`
	Autostart bool           `yaml:"autostart"`
}

// CatalogFile is the top-level YAML structure.
type CatalogFile struct {
	Bots []BotDefinition `yaml:"bots"`
}

// LoadCatalog reads bot definitions from a YAML file.
func LoadCatalog(path string) ([]BotDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, b := range file.Bots {
		if b.UserID == "" || b.BotID == "" || b.Broker == "" || b.Strategy == "" || b.Symbol == "" {
			return nil, fmt.Errorf("bot #%d (%q): user_id, bot_id, broker, strategy and symbol are required", i, b.BotID)
		}
	}
	return file.Bots, nil
}

// BotStore is where catalog entries are synced.
type BotStore interface {
	UpsertBot(ctx context.Context, b db.BotRecord) error
}

// SyncCatalog upserts every definition, validating strategies against reg.
func SyncCatalog(ctx context.Context, store BotStore, reg *Registry, defs []BotDefinition) error {
	for _, d := range defs {
		spec := Spec{BotID: d.BotID, Symbol: d.Symbol, Params: d.Params}
		if _, err := reg.Build(d.Strategy, spec); err != nil {
			return fmt.Errorf("bot %s: %w", d.BotID, err)
		}
		rec := db.BotRecord{
			UserID:    d.UserID,
			BotID:     d.BotID,
			Broker:    d.Broker,
			Strategy:  d.Strategy,
			Symbol:    d.Symbol,
			Params:    d.Params,
			Autostart: d.Autostart,
		}
		if err := store.UpsertBot(ctx, rec); err != nil {
			return fmt.Errorf("failed to upsert bot %s: %w", d.BotID, err)
		}
	}
	return nil
}
