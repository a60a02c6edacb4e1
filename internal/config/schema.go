package config

import "time"

// RulesConfig is the top-level YAML structure.
type RulesConfig struct {
	Version    string        `yaml:"version"`
	Feed       FeedConf      `yaml:"feed"`
	Categories []CategoryDef `yaml:"categories"`
}

// FeedConf holds per-viewer feed tuning.
type FeedConf struct {
	Window           time.Duration `yaml:"window"`
	PageSize         int           `yaml:"page_size"`
	ContributorLimit int           `yaml:"contributor_limit"`
	LeadLimit        int           `yaml:"lead_limit"`
	AdminLimit       int           `yaml:"admin_limit"`
	AttributeWorkers int           `yaml:"attribute_workers"`
	AttributeQueue   int           `yaml:"attribute_queue"`
	QueryTimeoutMs   int           `yaml:"query_timeout_ms"`
	// IdleTimeout closes a feed nobody has read or streamed for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// QueryTimeout returns the backfill and scope query deadline.
func (c FeedConf) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// CategoryDef is one navigation tab. Every non-empty constraint must hold
// for an event to belong to the category.
type CategoryDef struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label"`
	TargetTypes []string `yaml:"target_types"`
	Actions     []string `yaml:"actions"`
	Match       string   `yaml:"match"`
}

// AllCategory is the implicit tab that matches every event.
const AllCategory = "all"

// ApplyDefaults fills zero values.
func (c *RulesConfig) ApplyDefaults() {
	c.Feed.ApplyDefaults()
}

// ApplyDefaults fills zero tuning values.
func (f *FeedConf) ApplyDefaults() {
	if f.Window == 0 {
		f.Window = 5 * time.Minute
	}
	if f.PageSize == 0 {
		f.PageSize = 10
	}
	if f.ContributorLimit == 0 {
		f.ContributorLimit = 200
	}
	if f.LeadLimit == 0 {
		f.LeadLimit = 500
	}
	if f.AdminLimit == 0 {
		f.AdminLimit = 500
	}
	if f.AttributeWorkers == 0 {
		f.AttributeWorkers = 4
	}
	if f.AttributeQueue == 0 {
		f.AttributeQueue = 256
	}
	if f.QueryTimeoutMs == 0 {
		f.QueryTimeoutMs = 10000
	}
	if f.IdleTimeout == 0 {
		f.IdleTimeout = 30 * time.Minute
	}
}
