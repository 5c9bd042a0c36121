package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobConfig(t *testing.T) {
	tests := []struct {
		name      string
		jobType   string
		raw       string
		wantErr   error
		checkFunc func(t *testing.T, cfg *JobConfig)
	}{
		{
			name:    "player stats with defaults",
			jobType: JobTypePlayerStats,
			raw:     `{}`,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				require.NotNil(t, cfg.PlayerStats)
				assert.Nil(t, cfg.ReleaseDates)
				assert.Equal(t, DefaultMaxErrors, cfg.MaxErrors)
				assert.Equal(t, DefaultCheckpointEvery, cfg.CheckpointEvery)
			},
		},
		{
			name:    "player stats with resume point",
			jobType: JobTypePlayerStats,
			raw:     `{"max_errors": 5, "checkpoint_every": 25, "resume_from": 440, "max_games": 100}`,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, 5, cfg.MaxErrors)
				assert.Equal(t, 25, cfg.CheckpointEvery)
				assert.Equal(t, 440, cfg.PlayerStats.ResumeFrom)
				assert.Equal(t, 100, cfg.PlayerStats.MaxGames)
			},
		},
		{
			name:    "zero max errors fails on the first error",
			jobType: JobTypePlayerStats,
			raw:     `{"max_errors": 0}`,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, 0, cfg.MaxErrors)
			},
		},
		{
			name:    "null max errors takes the default",
			jobType: JobTypePlayerStats,
			raw:     `{"max_errors": null}`,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, DefaultMaxErrors, cfg.MaxErrors)
			},
		},
		{
			name:    "empty raw config",
			jobType: JobTypePlayerStats,
			raw:     ``,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				assert.Equal(t, JobTypePlayerStats, cfg.Kind)
				assert.Equal(t, DefaultMaxErrors, cfg.MaxErrors)
			},
		},
		{
			name:    "release dates",
			jobType: JobTypeReleaseDates,
			raw:     `{"source": "s3://datasets/release_dates.csv"}`,
			checkFunc: func(t *testing.T, cfg *JobConfig) {
				require.NotNil(t, cfg.ReleaseDates)
				assert.Equal(t, "s3://datasets/release_dates.csv", cfg.ReleaseDates.Source)
			},
		},
		{
			name:    "release dates without source",
			jobType: JobTypeReleaseDates,
			raw:     `{}`,
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "unknown job type",
			jobType: "llm_enrichment",
			raw:     `{}`,
			wantErr: ErrUnknownJobType,
		},
		{
			name:    "malformed json",
			jobType: JobTypePlayerStats,
			raw:     `{"max_errors":`,
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative max errors",
			jobType: JobTypePlayerStats,
			raw:     `{"max_errors": -1}`,
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseJobConfig(tt.jobType, json.RawMessage(tt.raw))

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			tt.checkFunc(t, cfg)
		})
	}
}
