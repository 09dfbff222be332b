package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for attachkit.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	LogLevel    string            `toml:"log_level,omitempty"` // debug, info (default), warn or error
	Database    DatabaseConfig    `toml:"database"`
	Cache       StorageConfig     `toml:"cache"`
	Store       StorageConfig     `toml:"store"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Integration IntegrationConfig `toml:"integration"`
	Promotion   PromotionConfig   `toml:"promotion"`
	Models      []ModelConfig     `toml:"models"`
}

// EncryptionConfig holds paths to the age key pair used for encrypted storages.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// StorageConfig represents configuration for a file storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type      string `toml:"type"`                // "memory", "filesystem", "s3" or "minio"
	Encrypted bool   `toml:"encrypted,omitempty"` // wrap the backend with age encryption

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`

	// MinIO-specific fields (only used when Type == "minio")
	MinioEndpoint  string `toml:"minio_endpoint,omitempty"`
	MinioBucket    string `toml:"minio_bucket,omitempty"`
	MinioPrefix    string `toml:"minio_prefix,omitempty"`
	MinioAccessKey string `toml:"minio_access_key,omitempty"`
	MinioSecretKey string `toml:"minio_secret_key,omitempty"`
	MinioUseSSL    bool   `toml:"minio_use_ssl,omitempty"`
}

// DatabaseConfig represents configuration for the document database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type            string `toml:"type"`                        // "sqlite" or "memory"
	DataDir         string `toml:"data_dir,omitempty"`          // only used for type=sqlite
	IdentityMapSize int    `toml:"identity_map_size,omitempty"` // documents kept in memory; 0 uses the default
}

// IntegrationConfig switches the attachment hooks on the document models.
// Both groups are enabled unless explicitly turned off.
type IntegrationConfig struct {
	Callbacks   *bool `toml:"callbacks,omitempty"`
	Validations *bool `toml:"validations,omitempty"`
}

// CallbacksEnabled reports whether persistence callbacks are installed.
func (c IntegrationConfig) CallbacksEnabled() bool {
	return c.Callbacks == nil || *c.Callbacks
}

// ValidationsEnabled reports whether attachment validation is installed.
func (c IntegrationConfig) ValidationsEnabled() bool {
	return c.Validations == nil || *c.Validations
}

// PromotionConfig controls how cached files reach the permanent store.
type PromotionConfig struct {
	Background  bool `toml:"background"`             // queue promotions instead of running them inline
	Concurrency int  `toml:"concurrency,omitempty"`  // parallel jobs per worker run
	MaxAttempts int  `toml:"max_attempts,omitempty"` // jobs failing this often are left in the queue
}

// ModelConfig declares a document model and its attachment slots.
type ModelConfig struct {
	Name        string             `toml:"name"`
	Attachments []AttachmentConfig `toml:"attachments,omitempty"`
	Embeds      []EmbedConfig      `toml:"embeds,omitempty"`
}

// AttachmentConfig declares one attachment slot and its validation rules.
type AttachmentConfig struct {
	Name       string   `toml:"name"`
	MaxSize    int64    `toml:"max_size,omitempty"`
	MimeTypes  []string `toml:"mime_types,omitempty"`
	Extensions []string `toml:"extensions,omitempty"`
}

// EmbedConfig declares records of Model embedded under Relation.
type EmbedConfig struct {
	Relation string `toml:"relation"`
	Model    string `toml:"model"`
	Many     bool   `toml:"many"`
}

// NewConfig creates a new Config rooted at baseDir with filesystem storages,
// a SQLite database and default key paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Cache: StorageConfig{Type: "filesystem", Root: filepath.Join(baseDir, "cache")},
		Store: StorageConfig{Type: "filesystem", Root: filepath.Join(baseDir, "store")},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "attachkit.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "attachkit.key"),
		},
		Promotion: PromotionConfig{Concurrency: 4, MaxAttempts: 5},
	}
}

// Model returns the model declaration with the given name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
