// Package catalog loads the rewards catalog from YAML and syncs it into the
// ledger database.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
)

// File is the on-disk catalog format:
//
//	rewards:
//	  - title: Free coffee
//	    point_cost: 20
//	    type: free_item
type File struct {
	Rewards []Entry `yaml:"rewards"`
}

// Entry is one reward in the catalog. Active defaults to true.
type Entry struct {
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	PointCost   int64            `yaml:"point_cost"`
	Type        model.RewardType `yaml:"type"`
	Active      *bool            `yaml:"active"`
	ValidFrom   *time.Time       `yaml:"valid_from"`
	ValidUntil  *time.Time       `yaml:"valid_until"`
}

func (e Entry) input() model.RewardInput {
	in := model.RewardInput{
		Title:       e.Title,
		Description: e.Description,
		PointCost:   e.PointCost,
		Type:        e.Type,
		Active:      e.Active == nil || *e.Active,
		ValidFrom:   e.ValidFrom,
		ValidUntil:  e.ValidUntil,
	}
	in.Normalize()
	return in
}

// Parse decodes and validates a catalog. Titles must be unique.
func Parse(r io.Reader) ([]model.RewardInput, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Rewards))
	inputs := make([]model.RewardInput, 0, len(f.Rewards))
	for i, e := range f.Rewards {
		in := e.input()
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("reward %d: %w", i+1, err)
		}
		if seen[in.Title] {
			return nil, fmt.Errorf("reward %d: duplicate title %q", i+1, in.Title)
		}
		seen[in.Title] = true
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// LoadFile parses the catalog at path.
func LoadFile(path string) ([]model.RewardInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// SeedResult counts what Seed changed.
type SeedResult struct {
	Created int
	Updated int
}

// Seed creates catalog rewards that do not exist yet and updates the ones
// that do, matching by title. Rewards missing from the catalog are left alone
// so existing claims keep their reward.
func Seed(ctx context.Context, rs *store.RewardStore, inputs []model.RewardInput, logger *slog.Logger) (SeedResult, error) {
	var res SeedResult
	for _, in := range inputs {
		existing, err := rs.GetByTitle(ctx, in.Title)
		if err != nil {
			return res, err
		}
		if existing == nil {
			r, err := rs.Create(ctx, in)
			if err != nil {
				return res, err
			}
			logger.Info("reward created", "id", r.ID, "title", r.Title, "point_cost", r.PointCost)
			res.Created++
			continue
		}
		if _, err := rs.Update(ctx, existing.ID, in); err != nil {
			return res, err
		}
		logger.Debug("reward updated", "id", existing.ID, "title", in.Title)
		res.Updated++
	}
	return res, nil
}
