package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retention.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRetentionProfile(t *testing.T) {
	path := writeProfile(t, `
name: national-procurement
authority: Ministry of Commerce
retention_years: 7
hot_window_days: 30
seal_max_entries: 500
seal_max_age: 12h
backup_interval: 2h
snapshots_kept: 12
compliance:
  - anti-corruption-guidelines
`)
	p, err := LoadRetentionProfile(path)
	if err != nil {
		t.Fatalf("LoadRetentionProfile: %v", err)
	}
	if p.Name != "national-procurement" {
		t.Errorf("expected name 'national-procurement', got %q", p.Name)
	}
	if p.RetentionYears != 7 {
		t.Errorf("expected 7 retention years, got %d", p.RetentionYears)
	}
	if p.SealMaxEntries != 500 {
		t.Errorf("expected 500 seal entries, got %d", p.SealMaxEntries)
	}
	if p.SealMaxAge.Duration() != 12*time.Hour {
		t.Errorf("expected 12h seal age, got %v", p.SealMaxAge.Duration())
	}
	if p.BackupInterval.Duration() != 2*time.Hour {
		t.Errorf("expected 2h backup interval, got %v", p.BackupInterval.Duration())
	}
}

func TestLoadRetentionProfile_DefaultsFillGaps(t *testing.T) {
	path := writeProfile(t, `
name: minimal
retention_years: 10
`)
	p, err := LoadRetentionProfile(path)
	if err != nil {
		t.Fatalf("LoadRetentionProfile: %v", err)
	}
	if p.RetentionYears != 10 {
		t.Errorf("expected 10 retention years, got %d", p.RetentionYears)
	}
	// Unset fields keep the default profile values.
	if p.SealMaxEntries != 1000 {
		t.Errorf("expected default 1000 seal entries, got %d", p.SealMaxEntries)
	}
	if p.BackupInterval.Duration() != 4*time.Hour {
		t.Errorf("expected default 4h backup interval, got %v", p.BackupInterval.Duration())
	}
}

func TestLoadRetentionProfile_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero retention": "name: bad\nretention_years: 0\n",
		"bad duration":   "name: bad\nseal_max_age: sometimes\n",
		"not yaml":       "{{{{",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadRetentionProfile(writeProfile(t, content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRetentionProfile_Missing(t *testing.T) {
	if _, err := LoadRetentionProfile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
