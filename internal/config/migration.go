package config

import (
	"fmt"
	"time"
)

const redacted = "***REDACTED***"

// ConfigurationError reports a structurally invalid migration config,
// including cyclic step dependencies discovered during session creation.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// NewConfigurationError creates a ConfigurationError with a formatted message
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// SystemKind identifies the platform variant of a migration endpoint
type SystemKind string

const (
	SystemWebCMS       SystemKind = "web_cms"
	SystemWebFramework SystemKind = "web_framework"
	SystemCloudBucket  SystemKind = "cloud_bucket"
	SystemContainer    SystemKind = "container"
	SystemControlPanel SystemKind = "control_panel"
	SystemStaticSite   SystemKind = "static_site"
	SystemDatabaseOnly SystemKind = "database_only"
)

// Valid reports whether the kind is a known variant
func (k SystemKind) Valid() bool {
	switch k {
	case SystemWebCMS, SystemWebFramework, SystemCloudBucket, SystemContainer,
		SystemControlPanel, SystemStaticSite, SystemDatabaseOnly:
		return true
	}
	return false
}

// AuthMethod identifies how an endpoint is authenticated against
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthSSHKey   AuthMethod = "ssh_key"
	AuthAPIKey   AuthMethod = "api_key"
	AuthOAuth2   AuthMethod = "oauth2"
	AuthJWT      AuthMethod = "jwt"
	AuthCloudIAM AuthMethod = "cloud_iam"
)

// Valid reports whether the method is a known variant
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthPassword, AuthSSHKey, AuthAPIKey, AuthOAuth2, AuthJWT, AuthCloudIAM:
		return true
	}
	return false
}

// TransferMethod identifies the file transfer mechanism
type TransferMethod string

const (
	TransferLocal TransferMethod = "local"
	TransferSSH   TransferMethod = "ssh"
	TransferRsync TransferMethod = "rsync"
	TransferFTP   TransferMethod = "ftp"
	TransferS3    TransferMethod = "s3"
)

// Valid reports whether the method is a known variant
func (m TransferMethod) Valid() bool {
	switch m {
	case TransferLocal, TransferSSH, TransferRsync, TransferFTP, TransferS3:
		return true
	}
	return false
}

// DatabaseEngine identifies the database flavour at an endpoint
type DatabaseEngine string

const (
	DatabaseMySQL      DatabaseEngine = "mysql"
	DatabasePostgreSQL DatabaseEngine = "postgresql"
	DatabaseSQLite     DatabaseEngine = "sqlite"
	DatabaseMongoDB    DatabaseEngine = "mongodb"
)

// Valid reports whether the engine is a known variant
func (e DatabaseEngine) Valid() bool {
	switch e {
	case DatabaseMySQL, DatabasePostgreSQL, DatabaseSQLite, DatabaseMongoDB:
		return true
	}
	return false
}

// AuthConfig carries credentials for reaching a source or destination system
type AuthConfig struct {
	Method     AuthMethod `json:"method"`
	Username   string     `json:"username,omitempty"`
	Password   string     `json:"password,omitempty"`
	SSHKeyPath string     `json:"ssh_key_path,omitempty"`
	APIKey     string     `json:"api_key,omitempty"`
	Token      string     `json:"token,omitempty"`
}

// PathConfig locates the application material on a system
type PathConfig struct {
	RootPath     string   `json:"root_path"`
	WebRoot      string   `json:"web_root,omitempty"`
	ConfigPath   string   `json:"config_path,omitempty"`
	MediaPath    string   `json:"media_path,omitempty"`
	LogPath      string   `json:"log_path,omitempty"`
	ExcludePaths []string `json:"exclude_paths,omitempty"`
}

// DatabaseConfig describes a database endpoint
type DatabaseConfig struct {
	Engine   DatabaseEngine `json:"engine"`
	Host     string         `json:"host"`
	Port     int            `json:"port,omitempty"`
	Name     string         `json:"name"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
}

// CloudConfig describes a cloud storage endpoint
type CloudConfig struct {
	Provider        string `json:"provider"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// ControlPanelConfig describes a hosting control panel endpoint
type ControlPanelConfig struct {
	Kind     string `json:"kind"`
	APIURL   string `json:"api_url"`
	Username string `json:"username,omitempty"`
	APIToken string `json:"api_token,omitempty"`
}

// SystemConfig describes one side of a migration
type SystemConfig struct {
	Kind         SystemKind          `json:"kind"`
	Host         string              `json:"host"`
	Port         int                 `json:"port,omitempty"`
	Auth         AuthConfig          `json:"auth"`
	Paths        PathConfig          `json:"paths"`
	Database     *DatabaseConfig     `json:"database,omitempty"`
	Cloud        *CloudConfig        `json:"cloud,omitempty"`
	ControlPanel *ControlPanelConfig `json:"control_panel,omitempty"`
}

// TransferConfig tunes the file transfer stage
type TransferConfig struct {
	Method                TransferMethod `json:"method"`
	ParallelTransfers     int            `json:"parallel_transfers"`
	CompressionEnabled    bool           `json:"compression_enabled"`
	VerifyChecksums       bool           `json:"verify_checksums"`
	UseNativeAcceleration bool           `json:"use_native_acceleration"`
	MaxRetries            int            `json:"max_retries,omitempty"`
	RetryBackoff          time.Duration  `json:"retry_backoff,omitempty"`
	Timeout               time.Duration  `json:"timeout,omitempty"`
}

// MigrationOptions holds the behavioral switches for a migration
type MigrationOptions struct {
	MaintenanceMode     bool   `json:"maintenance_mode"`
	BackupBefore        bool   `json:"backup_before"`
	BackupDestination   string `json:"backup_destination,omitempty"`
	VerifyAfter         bool   `json:"verify_after"`
	RollbackOnFailure   bool   `json:"rollback_on_failure"`
	PreservePermissions bool   `json:"preserve_permissions"`
	PreserveTimestamps  bool   `json:"preserve_timestamps"`
	DryRun              bool   `json:"dry_run"`
}

// MigrationConfig fully describes one migration. Immutable once a
// session has been created from it.
type MigrationConfig struct {
	Name        string           `json:"name"`
	Source      SystemConfig     `json:"source"`
	Destination SystemConfig     `json:"destination"`
	Transfer    TransferConfig   `json:"transfer"`
	Options     MigrationOptions `json:"options"`
	TenantID    string           `json:"tenant_id,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
}

// ApplyDefaults fills tuning fields left at their zero value
func (c *MigrationConfig) ApplyDefaults() {
	if c.Transfer.Method == "" {
		c.Transfer.Method = TransferLocal
	}
	if c.Transfer.ParallelTransfers == 0 {
		c.Transfer.ParallelTransfers = 4
	}
	if c.Transfer.RetryBackoff == 0 {
		c.Transfer.RetryBackoff = time.Second
	}
	if c.Source.Auth.Method == "" {
		c.Source.Auth.Method = AuthPassword
	}
	if c.Destination.Auth.Method == "" {
		c.Destination.Auth.Method = AuthPassword
	}
}

// Validate checks the config shape. It does not reach out to either
// system; that is the validation stage's job.
func (c *MigrationConfig) Validate() error {
	if c.Name == "" {
		return NewConfigurationError("migration name is required")
	}
	if !c.Source.Kind.Valid() {
		return NewConfigurationError("unknown source system kind %q", string(c.Source.Kind))
	}
	if !c.Destination.Kind.Valid() {
		return NewConfigurationError("unknown destination system kind %q", string(c.Destination.Kind))
	}
	if !c.Source.Auth.Method.Valid() {
		return NewConfigurationError("unknown source auth method %q", string(c.Source.Auth.Method))
	}
	if !c.Destination.Auth.Method.Valid() {
		return NewConfigurationError("unknown destination auth method %q", string(c.Destination.Auth.Method))
	}
	if !c.Transfer.Method.Valid() {
		return NewConfigurationError("unknown transfer method %q", string(c.Transfer.Method))
	}
	if c.Transfer.ParallelTransfers < 0 {
		return NewConfigurationError("parallel_transfers must not be negative")
	}
	if c.Source.Kind == SystemDatabaseOnly && c.Source.Database == nil {
		return NewConfigurationError("database_only source requires a database config")
	}
	if c.Source.Database != nil && !c.Source.Database.Engine.Valid() {
		return NewConfigurationError("unknown source database engine %q", string(c.Source.Database.Engine))
	}
	if c.Destination.Database != nil && !c.Destination.Database.Engine.Valid() {
		return NewConfigurationError("unknown destination database engine %q", string(c.Destination.Database.Engine))
	}
	if c.Source.Database != nil && c.Destination.Database == nil {
		return NewConfigurationError("source has a database but destination does not")
	}
	return nil
}

// Redacted returns a deep copy with credential material masked, safe
// for logs and reports.
func (c *MigrationConfig) Redacted() *MigrationConfig {
	out := *c
	out.Source = c.Source.redacted()
	out.Destination = c.Destination.redacted()
	return &out
}

func (s SystemConfig) redacted() SystemConfig {
	out := s
	if out.Auth.Password != "" {
		out.Auth.Password = redacted
	}
	if out.Auth.APIKey != "" {
		out.Auth.APIKey = redacted
	}
	if out.Auth.Token != "" {
		out.Auth.Token = redacted
	}
	if s.Database != nil {
		db := *s.Database
		if db.Password != "" {
			db.Password = redacted
		}
		out.Database = &db
	}
	if s.Cloud != nil {
		cloud := *s.Cloud
		if cloud.SecretAccessKey != "" {
			cloud.SecretAccessKey = redacted
		}
		out.Cloud = &cloud
	}
	if s.ControlPanel != nil {
		panel := *s.ControlPanel
		if panel.APIToken != "" {
			panel.APIToken = redacted
		}
		out.ControlPanel = &panel
	}
	return out
}
