// Package config loads and hot-reloads the engine's YAML configuration: a
// nested struct tree unmarshaled with yaml.v3, watched with fsnotify, with
// AES-256-GCM encryption of camera stream credentials at rest.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Version string       `yaml:"version"`
	System  SystemConfig `yaml:"system"`
	Cameras []CameraConfig `yaml:"cameras"`
	Storage StorageConfig `yaml:"storage"`
	Motion  MotionConfig  `yaml:"motion"`
	Pruning PruningConfig `yaml:"pruning"`
	Plugins PluginsConfig `yaml:"plugins"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Name        string         `yaml:"name"`
	Timezone    string         `yaml:"timezone"`
	StoragePath string         `yaml:"storage_path"`
	HTTPPort    int            `yaml:"http_port"`
	RTSPPort    int            `yaml:"rtsp_port"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the SQLite catalog database's location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds the slog level/format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CameraConfig is one camera's assignment-time configuration.
type CameraConfig struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	RTSPURL        string `yaml:"rtsp_url" json:"rtsp_url"`
	Username       string `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	StorageBlockSize  int64 `yaml:"storage_block_size,omitempty" json:"storage_block_size,omitempty"`
	StorageBlockCount int64 `yaml:"storage_block_count,omitempty" json:"storage_block_count,omitempty"`
	MotionEnabled         bool `yaml:"motion_enabled" json:"motion_enabled"`
	MotionPruningEnabled  bool `yaml:"motion_pruning_enabled" json:"motion_pruning_enabled"`
	MinContinuousRecordingHrs int `yaml:"min_continuous_recording_hours,omitempty" json:"min_continuous_recording_hours,omitempty"`
}

// StorageConfig holds the engine's Storage File defaults, applied to any
// camera that doesn't override block size/count.
type StorageConfig struct {
	RootPath          string `yaml:"root_path"`
	DefaultBlockSize  int64  `yaml:"default_block_size"`
	DefaultBlockCount int64  `yaml:"default_block_count"`
	RecordExtension   string `yaml:"record_extension"`
	RingExtension     string `yaml:"ring_extension"`
	MetadataExtension string `yaml:"metadata_extension"`
}

// MotionConfig holds the Motion Engine's tunables.
type MotionConfig struct {
	QueueCapacity     int     `yaml:"queue_capacity"`
	WarmupSeconds     int     `yaml:"warmup_seconds"`
	SignificanceK     float64 `yaml:"significance_k"`
	SignificanceFloor float64 `yaml:"significance_floor"`
	TargetWidth       int     `yaml:"target_width"`
}

// PruningConfig holds the Pruner's defaults, overridden per-camera by
// CameraConfig.MinContinuousRecordingHrs when set.
type PruningConfig struct {
	DefaultMinContinuousRecordingHrs int `yaml:"default_min_continuous_recording_hours"`
}

// PluginsConfig holds the Plugin Host's load directory.
type PluginsConfig struct {
	Directory string `yaml:"directory"`
}

// Load reads and decrypts a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Save writes the configuration back to its source file, re-encrypting
// camera credentials.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Cameras: c.Cameras,
		Storage: c.Storage,
		Motion:  c.Motion,
		Pruning: c.Pruning,
		Plugins: c.Plugins,
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := "# revere-nvr engine configuration\n# auto-generated; manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the config file for changes, reloading and
// notifying registered callbacks on write.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked after every successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.Storage = newCfg.Storage
	c.Motion = newCfg.Motion
	c.Pruning = newCfg.Pruning
	c.Plugins = newCfg.Plugins
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")
	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera's configuration by id, or nil if unknown.
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// UpsertCamera adds or replaces a camera entry and persists the change.
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}
	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera entry by id and persists the change.
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}
	return fmt.Errorf("camera not found: %s", id)
}

func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data"
	}
	if c.System.HTTPPort == 0 {
		c.System.HTTPPort = 10080
	}
	if c.System.RTSPPort == 0 {
		c.System.RTSPPort = 10554
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.Storage.DefaultBlockSize == 0 {
		c.Storage.DefaultBlockSize = 64 * 1024 * 1024
	}
	if c.Storage.DefaultBlockCount == 0 {
		c.Storage.DefaultBlockCount = 256
	}
	if c.Storage.RecordExtension == "" {
		c.Storage.RecordExtension = ".rvs"
	}
	if c.Storage.RingExtension == "" {
		c.Storage.RingExtension = ".rvr"
	}
	if c.Storage.MetadataExtension == "" {
		c.Storage.MetadataExtension = ".rvm"
	}
	if c.Motion.QueueCapacity == 0 {
		c.Motion.QueueCapacity = 1000
	}
	if c.Motion.WarmupSeconds == 0 {
		c.Motion.WarmupSeconds = 60
	}
	if c.Motion.SignificanceK == 0 {
		c.Motion.SignificanceK = 2.5
	}
	if c.Motion.SignificanceFloor == 0 {
		c.Motion.SignificanceFloor = 3.0
	}
	if c.Motion.TargetWidth == 0 {
		c.Motion.TargetWidth = 640
	}
	if c.Pruning.DefaultMinContinuousRecordingHrs == 0 {
		c.Pruning.DefaultMinContinuousRecordingHrs = 24
	}
	if c.Plugins.Directory == "" {
		c.Plugins.Directory = "plugins"
	}
}

// encryptSecrets encrypts every plaintext camera password in place.
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Password != "" && !strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts every encrypted camera password in place.
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted := strings.TrimPrefix(c.Cameras[i].Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return err
			}
			c.Cameras[i].Password = decrypted
		}
	}
	return nil
}

// scryptSalt is fixed rather than random because the derived key must be
// reproducible across process restarts from the same passphrase alone; the
// passphrase itself is the secret this derivation protects.
var scryptSalt = []byte("revere-nvr-config-encryption-salt")

// getEncryptionKey returns the AES-256 key from NVR_ENCRYPTION_KEY, falling
// back to a documented insecure development default. NVR_ENCRYPTION_KEY may
// be either a base64-encoded 32-byte key or an arbitrary passphrase, which
// is stretched to 32 bytes via scrypt.
func getEncryptionKey() []byte {
	keyStr := os.Getenv("NVR_ENCRYPTION_KEY")
	if keyStr == "" {
		return []byte("nvr-default-key-change-in-prod!!")
	}
	if key, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(key) == 32 {
		return key
	}
	key, err := scrypt.Key([]byte(keyStr), scryptSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return []byte("nvr-default-key-change-in-prod!!")
	}
	return key
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
