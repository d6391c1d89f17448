package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stagecraft/internal/config"
	"stagecraft/internal/domain"
	"stagecraft/internal/repo"
)

// ResolveCompanyAndConfig picks the active company and the template config
// for a workspace. It prefers the override, then the workspace config file's
// company id, then a single-company database. A company named in the config
// but missing from the database is created on the fly.
func ResolveCompanyAndConfig(ctx context.Context, workspace, companyOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	companyID := companyOverride
	if companyID == "" && cfg != nil {
		companyID = cfg.Company.ID
	}
	if companyID == "" {
		if c, err := r.SingleCompany(ctx); err == nil {
			companyID = c.ID
		} else {
			return "", nil, fmt.Errorf("company not specified; use --company or add stagecraft.yml")
		}
	}
	if cfg == nil {
		cfg = config.Default(companyID)
	}
	cfg.Company.ID = companyID

	if _, err := r.GetCompany(ctx, companyID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		name := cfg.Company.Name
		if name == "" {
			name = companyID
		}
		if err := r.InsertCompany(ctx, domain.Company{
			ID:        companyID,
			Name:      name,
			Status:    "active",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return "", nil, fmt.Errorf("create company: %w", err)
		}
	}
	return companyID, cfg, nil
}
