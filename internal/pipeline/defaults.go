package pipeline

import "time"

// JobSpec is the configured form of a job that runs a subcommand of the
// ingest CLI
type JobSpec struct {
	Name        string
	Description string
	Args        []string
	Enabled     bool
	MaxRuntime  time.Duration
}

// Descriptor turns spec into a process unit running executable
func (s JobSpec) Descriptor(executable string, env []string) JobDescriptor {
	return JobDescriptor{
		Name:        s.Name,
		Description: s.Description,
		Enabled:     s.Enabled,
		MaxRuntime:  s.MaxRuntime,
		Unit: &ProcessUnit{
			Path: executable,
			Args: append([]string(nil), s.Args...),
			Env:  env,
		},
	}
}

// DefaultJobs is the standard import pipeline. The dataset imports are
// one-off loads and ship disabled.
func DefaultJobs() []JobSpec {
	return []JobSpec{
		{
			Name:        "Zenodo Release Dates",
			Description: "Import release dates from the Zenodo dataset",
			Args:        []string{"jobs", "start", "release_dates", "--resume-active", "--config", `{"source":"data/zenodo/applications.csv"}`},
			Enabled:     false,
			MaxRuntime:  30 * time.Minute,
		},
		{
			Name:        "Zenodo Tag Associations",
			Description: "Import tag associations from the Zenodo dataset",
			Args:        []string{"import", "tags", "--file", "data/zenodo/application_tags.csv"},
			Enabled:     false,
			MaxRuntime:  time.Hour,
		},
		{
			Name:        "Zenodo Genre Associations",
			Description: "Import genre associations from the Zenodo dataset",
			Args:        []string{"import", "genres", "--file", "data/zenodo/application_genres.csv"},
			Enabled:     false,
			MaxRuntime:  time.Hour,
		},
		{
			Name:        "SteamSpy Player Stats",
			Description: "Import player statistics from the SteamSpy API",
			Args:        []string{"jobs", "start", "player_stats", "--resume-active"},
			Enabled:     true,
			MaxRuntime:  8 * time.Hour,
		},
	}
}
