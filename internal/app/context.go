package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lexeval/internal/config"
	"lexeval/internal/domain"
	"lexeval/internal/repo"
)

// ResolveCampaignAndConfig picks the active campaign and ensures a campaign
// plus config row exist, seeding defaults if missing. It prefers the
// override, then the single campaign in the DB. An unknown override is
// created on the fly.
func ResolveCampaignAndConfig(ctx context.Context, campaignOverride, actorID string, r repo.Repo) (domain.Campaign, *config.Config, error) {
	var c domain.Campaign
	var err error
	if campaignOverride == "" {
		c, err = r.SingleCampaign(ctx)
		if err != nil {
			return domain.Campaign{}, nil, fmt.Errorf("campaign not specified; use --campaign")
		}
	} else {
		c, err = r.GetCampaignByName(ctx, campaignOverride)
		if errors.Is(err, repo.ErrNotFound) {
			c, err = createCampaign(ctx, r, campaignOverride, actorID)
		}
		if err != nil {
			return domain.Campaign{}, nil, err
		}
	}

	cfg, err := r.GetCampaignConfig(ctx, c.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Campaign{}, nil, err
		}
		cfg = config.Default(c.Name)
		if err := r.UpsertCampaignConfig(ctx, c.ID, cfg); err != nil {
			return domain.Campaign{}, nil, fmt.Errorf("seed campaign config: %w", err)
		}
	}
	cfg.Campaign.Name = c.Name
	return c, cfg, nil
}

func createCampaign(ctx context.Context, r repo.Repo, name, actorID string) (domain.Campaign, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	c := domain.Campaign{Name: name}
	c.CreatedBy = actorID
	c.CreatedAt = now
	c.Activate(actorID, now)
	c.ID, err = r.InsertCampaign(ctx, tx, c)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := r.UpsertCampaignConfigTx(ctx, tx, c.ID, config.Default(name)); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}
