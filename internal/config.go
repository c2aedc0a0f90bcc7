package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Purge modes.
const (
	PurgeModeAuto   = "auto"
	PurgeModeManual = "manual"
)

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig `yaml:"app"`
	Store       StoreConfig       `yaml:"store"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Retention   RetentionConfig   `yaml:"retention"`
	Import      ImportConfig      `yaml:"import"`
	Auth        AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Store, &c.Attachments, &c.Retention, &c.Import} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig locates the database and payload files.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	DBFile  string `yaml:"db_file"`
}

// DBPath returns the database file path. A relative DBFile lives in DataDir.
func (c *StoreConfig) DBPath() string {
	if filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.DataDir, c.DBFile)
}

// BlobDir returns the directory holding payloads and thumbnails.
func (c *StoreConfig) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.DBFile, validation.Required),
	)
}

// AttachmentsConfig holds attachment limits and timings.
type AttachmentsConfig struct {
	MaxBytes        int64         `yaml:"max_bytes"`
	MaxPixels       int64         `yaml:"max_pixels"`
	ThumbnailSize   int           `yaml:"thumbnail_size"`
	OrphanRetention time.Duration `yaml:"orphan_retention"`
	StrayRetention  time.Duration `yaml:"stray_retention"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// Validate validates the attachments configuration.
func (c *AttachmentsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.MaxPixels, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.ThumbnailSize, validation.Required, validation.Min(16), validation.Max(4096)),
		validation.Field(&c.OrphanRetention, validation.Min(time.Duration(0))),
		validation.Field(&c.StrayRetention, validation.Min(time.Minute)),
		validation.Field(&c.CacheTTL, validation.Required),
	)
}

// RetentionConfig controls soft-delete purging and background maintenance.
//
// PurgeMode "auto" purges notes past GracePeriod on every maintenance pass;
// "manual" only purges when asked through the admin API.
type RetentionConfig struct {
	GracePeriod         time.Duration `yaml:"grace_period"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	PurgeMode           string        `yaml:"purge_mode"`
}

// Validate validates the retention configuration.
func (c *RetentionConfig) Validate() error {
	if c.PurgeMode == "" {
		c.PurgeMode = PurgeModeAuto
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.GracePeriod, validation.Min(time.Duration(0))),
		validation.Field(&c.MaintenanceInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PurgeMode, validation.In(PurgeModeAuto, PurgeModeManual)),
	)
}

// ImportConfig holds the watched import directory.
type ImportConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	Settle  time.Duration `yaml:"settle"`
}

// Validate validates the import configuration.
func (c *ImportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Enabled, validation.Required)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			DataDir: "./data",
			DBFile:  "quire.db",
		},
		Attachments: AttachmentsConfig{
			MaxBytes:        20 << 20,
			MaxPixels:       50_000_000,
			ThumbnailSize:   256,
			OrphanRetention: 24 * time.Hour,
			StrayRetention:  time.Hour,
			CacheTTL:        10 * time.Minute,
		},
		Retention: RetentionConfig{
			GracePeriod:         30 * 24 * time.Hour,
			MaintenanceInterval: time.Hour,
			PurgeMode:           PurgeModeAuto,
		},
		Import: ImportConfig{
			Enabled: false,
			Dir:     "./inbox",
			Settle:  500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
