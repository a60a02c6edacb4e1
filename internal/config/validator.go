package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/activityfeed/internal/match"
)

// Validate checks the rules for:
//   - Required version
//   - Positive feed sizes and window
//   - Unique, non-reserved category ids
//   - Match expressions that compile
func Validate(cfg *RulesConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	f := cfg.Feed
	if f.Window <= 0 {
		errs = append(errs, "feed.window must be positive")
	}
	if f.IdleTimeout <= 0 {
		errs = append(errs, "feed.idle_timeout must be positive")
	}
	sizes := []struct {
		name string
		v    int
	}{
		{"page_size", f.PageSize},
		{"contributor_limit", f.ContributorLimit},
		{"lead_limit", f.LeadLimit},
		{"admin_limit", f.AdminLimit},
		{"attribute_workers", f.AttributeWorkers},
		{"attribute_queue", f.AttributeQueue},
		{"query_timeout_ms", f.QueryTimeoutMs},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			errs = append(errs, fmt.Sprintf("feed.%s must be positive, got %d", s.name, s.v))
		}
	}

	seen := make(map[string]int)
	for i, c := range cfg.Categories {
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("categories[%d]: id is required", i))
			continue
		}
		if strings.EqualFold(c.ID, AllCategory) {
			errs = append(errs, fmt.Sprintf("categories[%d]: id %q is reserved", i, c.ID))
		}
		if prev, ok := seen[c.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate category id %q (categories[%d] and categories[%d])", c.ID, prev, i))
		} else {
			seen[c.ID] = i
		}
		if c.Match != "" {
			if _, err := match.Compile(c.Match); err != nil {
				errs = append(errs, fmt.Sprintf("category %s: match %q: %v", c.ID, c.Match, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
