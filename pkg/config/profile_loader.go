package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetentionProfile is the jurisdiction-specific retention and sealing
// policy, loaded from YAML so compliance officers can adjust it without
// a rebuild.
type RetentionProfile struct {
	Name           string   `yaml:"name" json:"name"`
	Authority      string   `yaml:"authority,omitempty" json:"authority,omitempty"`
	RetentionYears int      `yaml:"retention_years" json:"retention_years"`
	HotWindowDays  int      `yaml:"hot_window_days" json:"hot_window_days"`
	SealMaxEntries int      `yaml:"seal_max_entries" json:"seal_max_entries"`
	SealMaxAge     duration `yaml:"seal_max_age" json:"seal_max_age"`
	BackupInterval duration `yaml:"backup_interval" json:"backup_interval"`
	SnapshotsKept  int      `yaml:"snapshots_kept" json:"snapshots_kept"`
	Compliance     []string `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

// duration parses YAML scalars like "24h" or "4h30m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

// Duration converts a profile duration field.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// DefaultRetentionProfile matches the governing retention obligations:
// records kept seven years, snapshots every four hours, blocks sealed
// at one thousand entries or one day.
func DefaultRetentionProfile() *RetentionProfile {
	return &RetentionProfile{
		Name:           "default",
		RetentionYears: 7,
		HotWindowDays:  90,
		SealMaxEntries: 1000,
		SealMaxAge:     duration(24 * time.Hour),
		BackupInterval: duration(4 * time.Hour),
		SnapshotsKept:  6,
	}
}

// LoadRetentionProfile loads a retention profile YAML file. Unset
// fields fall back to the default profile.
func LoadRetentionProfile(path string) (*RetentionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load retention profile: %w", err)
	}

	profile := DefaultRetentionProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse retention profile %s: %w", path, err)
	}

	if profile.RetentionYears <= 0 {
		return nil, fmt.Errorf("retention profile %s: retention_years must be positive", path)
	}
	if profile.SealMaxEntries <= 0 {
		return nil, fmt.Errorf("retention profile %s: seal_max_entries must be positive", path)
	}
	return profile, nil
}
