package domain

import (
	"encoding/json"
	"fmt"
)

// JobConfig is the typed form of a job's config blob. Exactly one of the
// per-type sections is set, selected by Kind.
type JobConfig struct {
	Kind string
	// MaxErrors of 0 fails the job on its first failed item
	MaxErrors       int
	CheckpointEvery int

	PlayerStats  *PlayerStatsConfig
	ReleaseDates *ReleaseDatesConfig
}

// PlayerStatsConfig configures the per-item player stats enrichment job
type PlayerStatsConfig struct {
	// ResumeFrom skips app ids lower than this value
	ResumeFrom int `json:"resume_from"`
	// MaxGames caps the number of games selected, 0 means all
	MaxGames int `json:"max_games"`
}

// ReleaseDatesConfig configures the release date enrichment job
type ReleaseDatesConfig struct {
	// Source is a local path or s3://bucket/key of the release date CSV
	Source string `json:"source"`
}

// jobLimits holds the settings shared by every job type. MaxErrors is a
// pointer so an explicit 0 is told apart from an absent field.
type jobLimits struct {
	MaxErrors       *int `json:"max_errors"`
	CheckpointEvery int  `json:"checkpoint_every"`
}

// ParseJobConfig decodes raw into the config section for jobType and applies
// defaults to absent fields
func ParseJobConfig(jobType string, raw json.RawMessage) (*JobConfig, error) {
	cfg := &JobConfig{Kind: jobType}

	var limits jobLimits
	if err := unmarshalSection(raw, &limits); err != nil {
		return nil, err
	}

	switch jobType {
	case JobTypePlayerStats:
		cfg.PlayerStats = &PlayerStatsConfig{}
		if err := unmarshalSection(raw, cfg.PlayerStats); err != nil {
			return nil, err
		}
	case JobTypeReleaseDates:
		cfg.ReleaseDates = &ReleaseDatesConfig{}
		if err := unmarshalSection(raw, cfg.ReleaseDates); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	cfg.MaxErrors = DefaultMaxErrors
	if limits.MaxErrors != nil {
		cfg.MaxErrors = *limits.MaxErrors
	}
	cfg.CheckpointEvery = limits.CheckpointEvery
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks per-type constraints
func (c *JobConfig) Validate() error {
	if c.MaxErrors < 0 {
		return fmt.Errorf("%w: max_errors must not be negative", ErrInvalidConfig)
	}

	switch c.Kind {
	case JobTypePlayerStats:
		if c.PlayerStats == nil {
			return fmt.Errorf("%w: missing player_stats section", ErrInvalidConfig)
		}
		if c.PlayerStats.ResumeFrom < 0 || c.PlayerStats.MaxGames < 0 {
			return fmt.Errorf("%w: resume_from and max_games must not be negative", ErrInvalidConfig)
		}
	case JobTypeReleaseDates:
		if c.ReleaseDates == nil || c.ReleaseDates.Source == "" {
			return fmt.Errorf("%w: release_dates requires source", ErrInvalidConfig)
		}
	}
	return nil
}

func unmarshalSection(raw json.RawMessage, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
