package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rohmanhakim/offline-cache/pkg/hashutil"
	"github.com/rohmanhakim/offline-cache/pkg/urlutil"
)

type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageDisk   StorageBackend = "disk"
	StorageSQLite StorageBackend = "sqlite"
)

func ParseStorageBackend(name string) (StorageBackend, error) {
	switch StorageBackend(strings.ToLower(strings.TrimSpace(name))) {
	case "", StorageMemory:
		return StorageMemory, nil
	case StorageDisk:
		return StorageDisk, nil
	case StorageSQLite:
		return StorageSQLite, nil
	default:
		return "", fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, name)
	}
}

type Config struct {
	//===============
	//  Site
	//===============
	// Origin of the controlled site. Asset paths resolve against it.
	origin url.URL

	//===============
	// Cache identity
	//===============
	// Controller version. Must change whenever the required list changes.
	version string
	// Suffix joined to the version to form the bucket name
	cacheSuffix string

	//===============
	// Assets
	//===============
	// Fetched and stored on install; failures never fail installation
	bestEffortAssets []string
	// Fetched and stored atomically on install; any failure fails installation
	requiredAssets []string
	// Document served when the network fails. Must be a required asset
	offlinePage string

	//===============
	// Storage
	//===============
	storageBackend StorageBackend
	// Root directory (disk) or database file (sqlite)
	storagePath string
	// Hash used for entry file names on disk
	hashAlgo hashutil.HashAlgo

	//===============
	// Fetch
	//===============
	// Maximum number of asset fetches in flight per batch
	concurrency int
	// User agent that will be used in the request header. In raw string
	userAgent string

	//===============
	// Serve
	//===============
	listenAddr string
	logLevel   string
}

type configDTO struct {
	Origin           string   `json:"origin"`
	Version          string   `json:"version,omitempty"`
	CacheSuffix      string   `json:"cacheSuffix,omitempty"`
	BestEffortAssets []string `json:"bestEffortAssets,omitempty"`
	RequiredAssets   []string `json:"requiredAssets,omitempty"`
	OfflinePage      string   `json:"offlinePage,omitempty"`
	StorageBackend   string   `json:"storageBackend,omitempty"`
	StoragePath      string   `json:"storagePath,omitempty"`
	HashAlgo         string   `json:"hashAlgo,omitempty"`
	Concurrency      int      `json:"concurrency,omitempty"`
	UserAgent        string   `json:"userAgent,omitempty"`
	ListenAddr       string   `json:"listenAddr,omitempty"`
	LogLevel         string   `json:"logLevel,omitempty"`
}

func newConfigFromDTO(dto configDTO) (Config, error) {
	origin, err := url.Parse(dto.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("%w: origin: %s", ErrInvalidConfig, err.Error())
	}

	cfg := WithDefault(*origin)

	// For other fields, only override if non-zero value is provided
	if dto.Version != "" {
		cfg.version = dto.Version
	}
	if dto.CacheSuffix != "" {
		cfg.cacheSuffix = dto.CacheSuffix
	}
	// Asset lists replace the defaults when present, even if empty
	if dto.BestEffortAssets != nil {
		cfg.bestEffortAssets = dto.BestEffortAssets
	}
	if dto.RequiredAssets != nil {
		cfg.requiredAssets = dto.RequiredAssets
	}
	if dto.OfflinePage != "" {
		cfg.offlinePage = dto.OfflinePage
	}
	if dto.StorageBackend != "" {
		backend, err := ParseStorageBackend(dto.StorageBackend)
		if err != nil {
			return Config{}, err
		}
		cfg.storageBackend = backend
	}
	if dto.StoragePath != "" {
		cfg.storagePath = dto.StoragePath
	}
	if dto.HashAlgo != "" {
		algo, err := hashutil.ParseHashAlgo(dto.HashAlgo)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
		}
		cfg.hashAlgo = algo
	}
	if dto.Concurrency != 0 {
		cfg.concurrency = dto.Concurrency
	}
	if dto.UserAgent != "" {
		cfg.userAgent = dto.UserAgent
	}
	if dto.ListenAddr != "" {
		cfg.listenAddr = dto.ListenAddr
	}
	if dto.LogLevel != "" {
		cfg.logLevel = dto.LogLevel
	}

	return cfg.Build()
}

func WithConfigFile(path string) (Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	configContent, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}
	cfgDTO := configDTO{}

	err = json.Unmarshal(configContent, &cfgDTO)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}

	return newConfigFromDTO(cfgDTO)
}

// WithDefault creates a new Config for the given site origin with the
// default asset lists, version and storage settings.
func WithDefault(origin url.URL) *Config {
	defaultConfig := Config{
		origin:      origin,
		version:     "V1.4",
		cacheSuffix: "staticfiles",
		bestEffortAssets: []string{
			"/home/resources/dologomasterwhiteretina.png",
			"/home/resources/oxford-radcliffe-camera-w1200h675.jpg",
		},
		requiredAssets: []string{
			"/css/site.min.css",
			"/js/site.min.js",
			"/offline.html",
		},
		offlinePage:    "/offline.html",
		storageBackend: StorageMemory,
		storagePath:    "offline-cache-data",
		hashAlgo:       hashutil.HashAlgoBLAKE3,
		concurrency:    4,
		userAgent:      "offline-cache/1.0",
		listenAddr:     ":8080",
		logLevel:       "info",
	}
	return &defaultConfig
}

func (c *Config) WithOrigin(origin url.URL) *Config {
	c.origin = origin
	return c
}

func (c *Config) WithVersion(version string) *Config {
	c.version = version
	return c
}

func (c *Config) WithCacheSuffix(suffix string) *Config {
	c.cacheSuffix = suffix
	return c
}

func (c *Config) WithBestEffortAssets(paths []string) *Config {
	c.bestEffortAssets = paths
	return c
}

func (c *Config) WithRequiredAssets(paths []string) *Config {
	c.requiredAssets = paths
	return c
}

func (c *Config) WithOfflinePage(path string) *Config {
	c.offlinePage = path
	return c
}

func (c *Config) WithStorageBackend(backend StorageBackend) *Config {
	c.storageBackend = backend
	return c
}

func (c *Config) WithStoragePath(path string) *Config {
	c.storagePath = path
	return c
}

func (c *Config) WithHashAlgo(algo hashutil.HashAlgo) *Config {
	c.hashAlgo = algo
	return c
}

func (c *Config) WithConcurrency(concurrency int) *Config {
	c.concurrency = concurrency
	return c
}

func (c *Config) WithUserAgent(agent string) *Config {
	c.userAgent = agent
	return c
}

func (c *Config) WithListenAddr(addr string) *Config {
	c.listenAddr = addr
	return c
}

func (c *Config) WithLogLevel(level string) *Config {
	c.logLevel = level
	return c
}

func (c *Config) Build() (Config, error) {
	if c.origin.Scheme == "" || c.origin.Host == "" {
		return Config{}, fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.version) == "" {
		return Config{}, fmt.Errorf("%w: version cannot be empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.cacheSuffix) == "" {
		return Config{}, fmt.Errorf("%w: cacheSuffix cannot be empty", ErrInvalidConfig)
	}
	if c.concurrency < 1 {
		return Config{}, fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}

	bestEffort, err := c.resolveAll(c.bestEffortAssets)
	if err != nil {
		return Config{}, err
	}
	required, err := c.resolveAll(c.requiredAssets)
	if err != nil {
		return Config{}, err
	}

	requiredKeys := make(map[string]struct{}, len(required))
	for _, u := range required {
		requiredKeys[urlutil.CacheKey(u)] = struct{}{}
	}
	for i, u := range bestEffort {
		if _, ok := requiredKeys[urlutil.CacheKey(u)]; ok {
			return Config{}, fmt.Errorf("%w: asset %q is both best-effort and required", ErrInvalidConfig, c.bestEffortAssets[i])
		}
	}

	offline, err := urlutil.Resolve(c.origin, c.offlinePage)
	if err != nil {
		return Config{}, fmt.Errorf("%w: offlinePage: %s", ErrInvalidConfig, err.Error())
	}
	if _, ok := requiredKeys[urlutil.CacheKey(offline)]; !ok {
		return Config{}, fmt.Errorf("%w: offline page %q must be a required asset", ErrInvalidConfig, c.offlinePage)
	}

	return *c, nil
}

func (c *Config) resolveAll(paths []string) ([]url.URL, error) {
	urls := make([]url.URL, 0, len(paths))
	for _, p := range paths {
		u, err := urlutil.Resolve(c.origin, p)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %q: %s", ErrInvalidConfig, p, err.Error())
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (c Config) Origin() url.URL {
	return c.origin
}

func (c Config) Version() string {
	return c.version
}

func (c Config) CacheSuffix() string {
	return c.cacheSuffix
}

// CacheName is the bucket name owned by this version, e.g. "V1.4-staticfiles".
func (c Config) CacheName() string {
	return c.version + "-" + c.cacheSuffix
}

func (c Config) BestEffortAssets() []string {
	paths := make([]string, len(c.bestEffortAssets))
	copy(paths, c.bestEffortAssets)
	return paths
}

func (c Config) RequiredAssets() []string {
	paths := make([]string, len(c.requiredAssets))
	copy(paths, c.requiredAssets)
	return paths
}

func (c Config) OfflinePage() string {
	return c.offlinePage
}

// BestEffortURLs returns the best-effort assets resolved against the origin.
// Build already validated them.
func (c Config) BestEffortURLs() []url.URL {
	urls, _ := c.resolveAll(c.bestEffortAssets)
	return urls
}

// RequiredURLs returns the required assets resolved against the origin.
func (c Config) RequiredURLs() []url.URL {
	urls, _ := c.resolveAll(c.requiredAssets)
	return urls
}

func (c Config) OfflineURL() url.URL {
	u, _ := urlutil.Resolve(c.origin, c.offlinePage)
	return u
}

func (c Config) StorageBackend() StorageBackend {
	return c.storageBackend
}

func (c Config) StoragePath() string {
	return c.storagePath
}

func (c Config) HashAlgo() hashutil.HashAlgo {
	return c.hashAlgo
}

func (c Config) Concurrency() int {
	return c.concurrency
}

func (c Config) UserAgent() string {
	return c.userAgent
}

func (c Config) ListenAddr() string {
	return c.listenAddr
}

func (c Config) LogLevel() string {
	return c.logLevel
}
