package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Profile is a deployment profile: per-environment overrides that do not
// belong in env vars, such as sealing thresholds and retention windows.
type Profile struct {
	Name string `yaml:"name" json:"name"`
	// MinServiceVersion rejects the profile on binaries too old to honor
	// its settings.
	MinServiceVersion string `yaml:"min_service_version,omitempty" json:"min_service_version,omitempty"`

	Sealing   SealingConfig   `yaml:"sealing" json:"sealing"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// SealingConfig tunes the Merkle aggregator thresholds.
type SealingConfig struct {
	MaxBatch  int `yaml:"max_batch,omitempty" json:"max_batch,omitempty"`
	MaxAgeSec int `yaml:"max_age_sec,omitempty" json:"max_age_sec,omitempty"`
}

// RetentionConfig bounds cache retention and archive cadence.
type RetentionConfig struct {
	SpendHours   int  `yaml:"spend_hours,omitempty" json:"spend_hours,omitempty"`
	ArchiveMonth bool `yaml:"archive_monthly,omitempty" json:"archive_monthly,omitempty"`
}

// RateLimitConfig caps evaluate requests per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory and
// checks it against the running service version.
func LoadProfile(profilesDir, name, serviceVersion string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.CheckVersion(serviceVersion); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CheckVersion enforces MinServiceVersion against the running binary.
func (p *Profile) CheckVersion(serviceVersion string) error {
	if p.MinServiceVersion == "" {
		return nil
	}
	min, err := semver.NewVersion(p.MinServiceVersion)
	if err != nil {
		return fmt.Errorf("profile %q: bad min_service_version %q: %w", p.Name, p.MinServiceVersion, err)
	}
	current, err := semver.NewVersion(serviceVersion)
	if err != nil {
		return fmt.Errorf("bad service version %q: %w", serviceVersion, err)
	}
	if current.LessThan(min) {
		return fmt.Errorf("profile %q needs service >= %s, running %s", p.Name, min, current)
	}
	return nil
}
