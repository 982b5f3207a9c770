package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/rohmanhakim/offline-cache/internal/build"
	"github.com/rohmanhakim/offline-cache/internal/config"
	"github.com/rohmanhakim/offline-cache/pkg/hashutil"
	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	origin           string
	version          string
	cacheSuffix      string
	bestEffortAssets []string
	requiredAssets   []string
	offlinePage      string
	storageBackend   string
	storagePath      string
	hashAlgo         string
	concurrency      int
	userAgent        string
	listenAddr       string
	logLevel         string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "An offline cache controller for a static site.",
	Long: `offline-cache keeps a versioned, named cache of a site's static assets
and answers requests for that site from the cache, falling back to the network
and finally to a pre-cached offline page.

A controller version is installed by pre-fetching its asset lists, activated by
deleting every other cache bucket, and then serves requests cache-first.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ExecuteWithArgsForTest runs the root command with args. Command output goes
// to out, logs and errors to errOut.
func ExecuteWithArgsForTest(args []string, out io.Writer, errOut io.Writer) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file path (e.g., /home/myuser/config.json)")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", "", "origin of the controlled site (e.g., https://www.example.org)")
	rootCmd.PersistentFlags().StringVar(&version, "version", "", "controller version; must change whenever the required assets change")
	rootCmd.PersistentFlags().StringVar(&cacheSuffix, "cache-suffix", "", "suffix joined to the version to name the cache bucket")
	rootCmd.PersistentFlags().StringArrayVar(&bestEffortAssets, "best-effort-asset", []string{}, "asset path cached on install without failing it (can be repeated)")
	rootCmd.PersistentFlags().StringArrayVar(&requiredAssets, "required-asset", []string{}, "asset path that must be cached for install to succeed (can be repeated)")
	rootCmd.PersistentFlags().StringVar(&offlinePage, "offline-page", "", "path of the page served when the network fails; must be a required asset")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", "", "cache storage backend: memory, disk or sqlite")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-path", "", "cache directory (disk) or database file (sqlite)")
	rootCmd.PersistentFlags().StringVar(&hashAlgo, "hash-algo", "", "hash used for on-disk entry names: sha256 or blake3")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0, "number of asset fetches in flight during install")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", build.UserAgent(), "user agent string for network fetches")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "address the serve command listens on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// InitConfig reads in config file or flags, exiting on error.
func InitConfig() config.Config {
	cfg, err := InitConfigWithError()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// InitConfigWithError reads in config file or flags, returning any errors.
// Without a config file, --origin is mandatory.
// This makes it easier to test error cases.
func InitConfigWithError() (config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return cfg, fmt.Errorf("error initializing config from file: %w", err)
		}
		return cfg, nil
	}

	if origin == "" {
		return config.Config{}, fmt.Errorf("%w: --origin is required without --config-file", config.ErrInvalidConfig)
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: origin: %s", config.ErrInvalidConfig, err.Error())
	}

	// Start with default config for the origin and apply overrides using method chaining
	configBuilder := config.WithDefault(*parsedOrigin)

	if version != "" {
		configBuilder = configBuilder.WithVersion(version)
	}

	if cacheSuffix != "" {
		configBuilder = configBuilder.WithCacheSuffix(cacheSuffix)
	}

	if len(bestEffortAssets) > 0 {
		configBuilder = configBuilder.WithBestEffortAssets(bestEffortAssets)
	}

	if len(requiredAssets) > 0 {
		configBuilder = configBuilder.WithRequiredAssets(requiredAssets)
	}

	if offlinePage != "" {
		configBuilder = configBuilder.WithOfflinePage(offlinePage)
	}

	if storageBackend != "" {
		backend, err := config.ParseStorageBackend(storageBackend)
		if err != nil {
			return config.Config{}, err
		}
		configBuilder = configBuilder.WithStorageBackend(backend)
	}

	if storagePath != "" {
		configBuilder = configBuilder.WithStoragePath(storagePath)
	}

	if hashAlgo != "" {
		algo, err := hashutil.ParseHashAlgo(hashAlgo)
		if err != nil {
			return config.Config{}, fmt.Errorf("%w: %s", config.ErrInvalidConfig, err.Error())
		}
		configBuilder = configBuilder.WithHashAlgo(algo)
	}

	if concurrency > 0 {
		configBuilder = configBuilder.WithConcurrency(concurrency)
	}

	if userAgent != "" {
		configBuilder = configBuilder.WithUserAgent(userAgent)
	}

	if listenAddr != "" {
		configBuilder = configBuilder.WithListenAddr(listenAddr)
	}

	if logLevel != "" {
		configBuilder = configBuilder.WithLogLevel(logLevel)
	}

	cfg, err := configBuilder.Build()
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func ResetFlags() {
	cfgFile = ""
	origin = ""
	version = ""
	cacheSuffix = ""
	bestEffortAssets = []string{}
	requiredAssets = []string{}
	offlinePage = ""
	storageBackend = ""
	storagePath = ""
	hashAlgo = ""
	concurrency = 0
	userAgent = ""
	listenAddr = ""
	logLevel = ""
	pagePath = "/"
}

// Test helper functions to set flag values from tests
func SetConfigFileForTest(path string) {
	cfgFile = path
}

func SetOriginForTest(o string) {
	origin = o
}

func SetVersionForTest(v string) {
	version = v
}

func SetCacheSuffixForTest(suffix string) {
	cacheSuffix = suffix
}

func SetBestEffortAssetsForTest(paths []string) {
	bestEffortAssets = paths
}

func SetRequiredAssetsForTest(paths []string) {
	requiredAssets = paths
}

func SetOfflinePageForTest(path string) {
	offlinePage = path
}

func SetStorageBackendForTest(backend string) {
	storageBackend = backend
}

func SetStoragePathForTest(path string) {
	storagePath = path
}

func SetHashAlgoForTest(algo string) {
	hashAlgo = algo
}

func SetConcurrencyForTest(conc int) {
	concurrency = conc
}

func SetUserAgentForTest(agent string) {
	userAgent = agent
}

func SetListenAddrForTest(addr string) {
	listenAddr = addr
}

func SetLogLevelForTest(level string) {
	logLevel = level
}
