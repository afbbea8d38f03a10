package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/creasty/defaults"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pbm/internal/model"
	"pbm/internal/pattern"
	"pbm/internal/schedule"
)

type Compression struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" default:"normal"`
}

type Encryption struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode" default:"password"`
	// Password may be left empty when PasswordEnv names an environment
	// variable holding it.
	Password     string `yaml:"password,omitempty"`
	PasswordEnv  string `yaml:"password_env,omitempty"`
	AgeRecipient string `yaml:"age_recipient,omitempty"`
}

type Versioning struct {
	Enabled bool `yaml:"enabled"`
	// Keep is the number of versions retained per file. Zero keeps all.
	Keep *int `yaml:"keep" default:"5"`
}

func (v Versioning) KeepCount() int {
	if v.Keep == nil {
		return 0
	}
	return *v.Keep
}

type Schedule struct {
	Mode       string        `yaml:"mode" default:"manual"`
	StartTime  string        `yaml:"start_time" default:"00:00"`
	Interval   time.Duration `yaml:"interval,omitempty"`
	Weekdays   []string      `yaml:"weekdays,omitempty"`
	DayOfMonth int           `yaml:"day_of_month" default:"1"`
	Recurring  *bool         `yaml:"recurring" default:"true"`
	Cron       string        `yaml:"cron,omitempty"`
}

type Task struct {
	ID          string   `yaml:"id,omitempty"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Source      string   `yaml:"source"`
	Destination string   `yaml:"destination"`
	Mode        string   `yaml:"mode" default:"full"`
	Enabled     *bool    `yaml:"enabled" default:"true"`
	Exclude     []string `yaml:"exclude,omitempty"`

	Compression Compression `yaml:"compression"`
	Encryption  Encryption  `yaml:"encryption"`
	Versioning  Versioning  `yaml:"versioning"`

	// BandwidthLimit is a per-second rate such as "10 MiB"; empty disables it.
	BandwidthLimit string   `yaml:"bandwidth_limit,omitempty"`
	Resumable      bool     `yaml:"resumable"`
	Offsite        bool     `yaml:"offsite"`
	Schedule       Schedule `yaml:"schedule"`
}

type S3Config struct {
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class" default:"STANDARD"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts" default:"3"`
	} `yaml:"retry,omitempty"`
}

type WebDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path" default:"/pbm"`
}

type Remote struct {
	// Type is "s3", "webdav" or empty for no offsite copy.
	Type   string       `yaml:"type,omitempty"`
	S3     S3Config     `yaml:"s3"`
	WebDAV WebDAVConfig `yaml:"webdav"`
}

type Config struct {
	BaseDir  string `yaml:"base_dir"`
	Database string `yaml:"database,omitempty"`
	LogLevel string `yaml:"log_level" default:"info"`
	Remote   Remote `yaml:"remote"`
	Tasks    []Task `yaml:"tasks"`
}

func Load(filename string) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Fill fields that were present in the file but left empty.
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}
	for i := range cfg.Tasks {
		if err := defaults.Set(&cfg.Tasks[i]); err != nil {
			return nil, fmt.Errorf("failed to set task defaults: %w", err)
		}
	}
	if cfg.Database == "" && cfg.BaseDir != "" {
		cfg.Database = filepath.Join(cfg.BaseDir, "pbm.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	switch c.Remote.Type {
	case "":
	case "s3":
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required for s3 remote")
		}
		if c.Remote.S3.Region == "" {
			return fmt.Errorf("remote.s3.region is required for s3 remote")
		}
	case "webdav":
		if c.Remote.WebDAV.Endpoint == "" {
			return fmt.Errorf("remote.webdav.endpoint is required for webdav remote")
		}
	default:
		return fmt.Errorf("unknown remote type: %s", c.Remote.Type)
	}

	seen := make(map[string]bool)
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tasks[%d].name is duplicated: %s", i, t.Name)
		}
		seen[t.Name] = true
		if t.Source == "" {
			return fmt.Errorf("tasks[%d].source is required", i)
		}
		if t.Destination == "" {
			return fmt.Errorf("tasks[%d].destination is required", i)
		}
		if t.Versioning.KeepCount() < 0 {
			return fmt.Errorf("tasks[%d].versioning.keep must not be negative", i)
		}
		if t.Offsite && c.Remote.Type == "" {
			return fmt.Errorf("tasks[%d].offsite requires a remote", i)
		}
		if _, err := t.ToModel(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return nil
}

// RestartFields names the settings that differ between c and next and only
// take effect when the services are rebuilt. Tasks are not among them.
func (c *Config) RestartFields(next *Config) []string {
	var changed []string
	if c.BaseDir != next.BaseDir {
		changed = append(changed, "base_dir")
	}
	if c.Database != next.Database {
		changed = append(changed, "database")
	}
	if c.LogLevel != next.LogLevel {
		changed = append(changed, "log_level")
	}
	if c.Remote != next.Remote {
		changed = append(changed, "remote")
	}
	return changed
}

func (c *Config) FindTask(name string) (*Task, error) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

func (c *Config) S3RetryAttempts() int {
	if c.Remote.S3.Retry.MaxAttempts > 0 {
		return c.Remote.S3.Retry.MaxAttempts
	}
	return 3
}

func (t *Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TaskID returns the configured id, or a stable name-based UUID.
func (t *Task) TaskID() string {
	if t.ID != "" {
		return t.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("pbm:task:"+t.Name)).String()
}

func (t *Task) password() string {
	if t.Encryption.Password != "" {
		return t.Encryption.Password
	}
	if t.Encryption.PasswordEnv != "" {
		return os.Getenv(t.Encryption.PasswordEnv)
	}
	return ""
}

// ToModel converts the task into its runtime form.
func (t *Task) ToModel() (*model.BackupTask, error) {
	mode, err := model.ParseBackupMode(t.Mode)
	if err != nil {
		return nil, err
	}
	level, err := model.ParseCompressionLevel(t.Compression.Level)
	if err != nil {
		return nil, err
	}
	for _, p := range t.Exclude {
		if !pattern.IsValid(p) {
			return nil, fmt.Errorf("invalid exclude pattern: %q", p)
		}
	}

	m := &model.BackupTask{
		ID:               t.TaskID(),
		Name:             t.Name,
		Source:           t.Source,
		Destination:      t.Destination,
		Mode:             mode,
		Enabled:          t.IsEnabled(),
		Exclude:          t.Exclude,
		Compress:         t.Compression.Enabled,
		CompressionLevel: level,
		Versioning:       t.Versioning.Enabled,
		VersionsKept:     t.Versioning.KeepCount(),
		Resumable:        t.Resumable,
		Offsite:          t.Offsite,
	}

	if t.Encryption.Enabled {
		m.Encrypt = true
		switch strings.ToLower(t.Encryption.Mode) {
		case "password", "":
			m.EncryptionMode = model.EncryptPassword
			m.Password = t.password()
			if m.Password == "" {
				return nil, fmt.Errorf("encryption password is required")
			}
		case "age":
			m.EncryptionMode = model.EncryptAge
			m.AgeRecipient = t.Encryption.AgeRecipient
			if !strings.HasPrefix(m.AgeRecipient, "age1") {
				return nil, fmt.Errorf("encryption.age_recipient must start with 'age1'")
			}
		default:
			return nil, fmt.Errorf("unknown encryption mode: %s", t.Encryption.Mode)
		}
	}

	if t.BandwidthLimit != "" {
		limit, err := humanize.ParseBytes(t.BandwidthLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid bandwidth_limit: %w", err)
		}
		m.BandwidthLimit = int64(limit)
	}

	sched, err := t.Schedule.toModel()
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	m.Schedule = sched
	return m, nil
}

func (s *Schedule) toModel() (*model.BackupSchedule, error) {
	mode, err := model.ParseScheduleMode(s.Mode)
	if err != nil {
		return nil, err
	}
	start, err := time.ParseInLocation("15:04", s.StartTime, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid start_time %q: %w", s.StartTime, err)
	}

	out := &model.BackupSchedule{
		Mode:       mode,
		StartTime:  start,
		Interval:   s.Interval,
		DayOfMonth: s.DayOfMonth,
		Recurring:  s.Recurring == nil || *s.Recurring,
		Cron:       s.Cron,
	}
	for _, d := range s.Weekdays {
		wd, err := parseWeekday(d)
		if err != nil {
			return nil, err
		}
		out.Weekdays = append(out.Weekdays, wd)
	}

	switch mode {
	case model.Weekly:
		if len(out.Weekdays) == 0 {
			return nil, fmt.Errorf("weekly schedule needs at least one weekday")
		}
	case model.Monthly:
		if out.DayOfMonth < 1 || out.DayOfMonth > 31 {
			return nil, fmt.Errorf("day_of_month must be between 1 and 31")
		}
	case model.Interval:
		if out.Interval <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
	case model.Cron:
		if _, err := schedule.ParseCron(out.Cron); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday: %s", s)
}
