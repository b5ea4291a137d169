// Package config handles reputation engine configuration.
// Every tunable of the scoring model lives here so operators can adjust
// point values, deltas, decay and the badge catalog without code changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teamgrid/reputation/internal/core"
)

// Config holds all engine configuration
type Config struct {
	// Storage
	Storage StorageConfig `mapstructure:"storage"`

	// Points awarded per activity type. Compensating types carry negative values.
	Points map[string]int `mapstructure:"points"`

	// Review scoring
	Reviews ReviewConfig `mapstructure:"reviews"`

	// Decay pass
	Decay DecayConfig `mapstructure:"decay"`

	// Grace period / appeals
	Grace GraceConfig `mapstructure:"grace"`

	// Badge catalog
	Badges []core.Badge `mapstructure:"badges"`

	// Logging
	Logging LogConfig `mapstructure:"logging"`
}

// StorageConfig for the SQLite database
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// ReviewConfig holds per-reviewType base deltas and related tunables
type ReviewConfig struct {
	// BaseDelta is the unweighted sub-score delta per review type
	BaseDelta map[string]int `mapstructure:"base_delta"`

	// TaskExperienceDelta is the Experience sub-score bump per completed task
	TaskExperienceDelta int `mapstructure:"task_experience_delta"`
}

// DecayConfig for the inactivity decay pass
type DecayConfig struct {
	Factor               float64       `mapstructure:"factor"`                 // multiplier per pass, e.g. 0.95
	InactivityWindowDays int           `mapstructure:"inactivity_window_days"` // no decay inside this window
	Floor                int           `mapstructure:"floor"`                  // scores never decay below this
	Interval             time.Duration `mapstructure:"interval"`               // how often the pass runs
}

// GraceConfig for the dispute workflow
type GraceConfig struct {
	CoolingOffHours      int           `mapstructure:"cooling_off_hours"`      // negative reviews wait this long before folding
	DefaultRequestedDays int           `mapstructure:"default_requested_days"` // when the caller passes 0
	MaxRequestedDays     int           `mapstructure:"max_requested_days"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"` // finalization + expiry pass cadence
}

// LogConfig for the engine logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the default configuration
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// Load loads configuration from an optional YAML file, applying defaults and
// REPUTATION_* environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reputation")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("REPUTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Badges) == 0 {
		cfg.Badges = DefaultBadges()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the configuration describes a sane scoring model
func (c *Config) Validate() error {
	if c.Decay.Factor <= 0 || c.Decay.Factor > 1 {
		return fmt.Errorf("decay.factor must be in (0,1], got %v", c.Decay.Factor)
	}
	if c.Decay.Floor < core.SubScoreMin || c.Decay.Floor > core.SubScoreMax {
		return fmt.Errorf("decay.floor must be in [0,100], got %d", c.Decay.Floor)
	}
	if c.Decay.InactivityWindowDays < 1 {
		return fmt.Errorf("decay.inactivity_window_days must be positive, got %d", c.Decay.InactivityWindowDays)
	}
	if c.Grace.DefaultRequestedDays < 1 || c.Grace.DefaultRequestedDays > c.Grace.MaxRequestedDays {
		return fmt.Errorf("grace.default_requested_days must be in [1,%d], got %d",
			c.Grace.MaxRequestedDays, c.Grace.DefaultRequestedDays)
	}
	for _, b := range c.Badges {
		if b.Required <= 0 {
			return fmt.Errorf("badge %q: required must be positive, got %d", b.Type, b.Required)
		}
	}
	return nil
}

// PointValue returns the point value for an activity type.
// The second return is false for types missing from the point table.
func (c *Config) PointValue(t core.ActivityType) (int, bool) {
	points, ok := c.Points[string(t)]
	return points, ok
}

// BaseDelta returns the unweighted sub-score delta for a review type.
// The second return is false for types missing from the delta table.
func (c *Config) BaseDelta(t core.ReviewType) (int, bool) {
	delta, ok := c.Reviews.BaseDelta[string(t)]
	return delta, ok
}

// CoolingOff returns the dispute window as a duration
func (c *Config) CoolingOff() time.Duration {
	return time.Duration(c.Grace.CoolingOffHours) * time.Hour
}

// InactivityWindow returns the decay inactivity window as a duration
func (c *Config) InactivityWindow() time.Duration {
	return time.Duration(c.Decay.InactivityWindowDays) * 24 * time.Hour
}

// DefaultBadges returns the built-in badge catalog.
// Operators replace it wholesale via the badges key in the config file.
func DefaultBadges() []core.Badge {
	return []core.Badge{
		{Type: "task_novice", Metric: core.MetricTaskCount, Required: 10, Category: "tasks"},
		{Type: "task_veteran", Metric: core.MetricTaskCount, Required: 50, Category: "tasks"},
		{Type: "task_master", Metric: core.MetricTaskCount, Required: 100, Category: "tasks"},
		{Type: "documentarian", Metric: core.MetricDocumentCount, Required: 5, Category: "documents"},
		{Type: "archivist", Metric: core.MetricDocumentCount, Required: 25, Category: "documents"},
		{Type: "week_streak", Metric: core.MetricLoginStreak, Required: 7, Category: "streaks"},
		{Type: "month_streak", Metric: core.MetricLoginStreak, Required: 30, Category: "streaks"},
		{Type: "level_5", Metric: core.MetricLevel, Required: 5, Category: "progression"},
		{Type: "level_10", Metric: core.MetricLevel, Required: 10, Category: "progression"},
		{Type: "trusted_member", Metric: core.MetricMemberAuthority, Required: 500, Category: "authority"},
		{Type: "pillar", Metric: core.MetricMemberAuthority, Required: 750, Category: "authority"},
	}
}

func setDefaults(v *viper.Viper) {
	// Storage
	v.SetDefault("storage.path", "./data/reputation.db")
	v.SetDefault("storage.in_memory", false)

	// Points
	v.SetDefault("points", map[string]int{
		string(core.ActivityTaskCompleted):         50,
		string(core.ActivityTaskCreated):           10,
		string(core.ActivityDocumentUploaded):      20,
		string(core.ActivityFirstDocumentUploaded): 30,
		string(core.ActivityCommentPosted):         5,
		string(core.ActivityDailyLogin):            5,
		string(core.ActivityReviewSubmitted):       10,
		string(core.ActivityProfileCompleted):      25,
		string(core.ActivityTaskCompletionRevoked): -50,
		string(core.ActivityDocumentRemoved):       -20,
	})

	// Reviews
	v.SetDefault("reviews.base_delta", map[string]int{
		string(core.ReviewStarRating):     3,
		string(core.ReviewDetailedReview): 5,
		string(core.ReviewThumbsUp):       2,
		string(core.ReviewThumbsDown):     2,
		string(core.ReviewEndorsement):    4,
	})
	v.SetDefault("reviews.task_experience_delta", 2)

	// Decay
	v.SetDefault("decay.factor", 0.95)
	v.SetDefault("decay.inactivity_window_days", 30)
	v.SetDefault("decay.floor", 20)
	v.SetDefault("decay.interval", 24*time.Hour)

	// Grace
	v.SetDefault("grace.cooling_off_hours", 48)
	v.SetDefault("grace.default_requested_days", 3)
	v.SetDefault("grace.max_requested_days", 14)
	v.SetDefault("grace.sweep_interval", time.Hour)

	// Logging
	v.SetDefault("logging.level", "info")
}
