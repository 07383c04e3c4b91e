// Package main provides the entry point for the agivox channel speech script.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/agivox/internal/agi"
	"github.com/dgnsrekt/agivox/internal/cache"
	"github.com/dgnsrekt/agivox/internal/session"
	"github.com/dgnsrekt/agivox/internal/synth"
	"github.com/dgnsrekt/agivox/internal/token"
	"github.com/dgnsrekt/agivox/internal/transcode"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile    string
	language      string
	speed         float64
	sampleRate    int
	interruptKeys string
	cacheDir      string
	tempDir       string
	mpg123Path    string
	soxPath       string
	verbose       bool

	rootCmd = &cobra.Command{
		Use:   "agivox [TEXT]",
		Short: "Speak text to a telephony channel, with pizzazz!",
		Long: paragraph(
			fmt.Sprintf("\nSpeak text to a telephony channel, %s. Run it from the dialplan; the channel controller session arrives on stdin and stdout.", keyword("with pizzazz")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.ArbitraryArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadOptions()
		},
		RunE: execute,
	}
)

// credentials are the secrets the process reads from its environment.
// Environment values win over the configuration file so dialplans can inject
// per-deployment secrets without touching config.
type credentials struct {
	SpeechEndpoint string `env:"AGIVOX_SPEECH_ENDPOINT"`
	TokenEndpoint  string `env:"AGIVOX_TOKEN_ENDPOINT"`
	ClientID       string `env:"AGIVOX_CLIENT_ID"`
	ClientSecret   string `env:"AGIVOX_CLIENT_SECRET"`
	Scope          string `env:"AGIVOX_SCOPE"`
}

// loadOptions pulls the effective option values out of Viper after flag
// binding, filling defaults that need runtime discovery.
func loadOptions() error {
	language = viper.GetString("language")
	speed = viper.GetFloat64("speed")
	sampleRate = viper.GetInt("rate")
	interruptKeys = viper.GetString("interrupt_keys")
	cacheDir = viper.GetString("cache.dir")
	tempDir = viper.GetString("temp_dir")
	mpg123Path = viper.GetString("tools.mpg123")
	soxPath = viper.GetString("tools.sox")
	verbose = viper.GetBool("verbose")
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	if cacheDir == "" && viper.GetBool("cache.enabled") {
		scope := gap.NewScope(gap.User, "agivox")
		dir, err := scope.CacheDir()
		if err != nil {
			return fmt.Errorf("unable to locate cache directory: %w", err)
		}
		cacheDir = filepath.Join(dir, "audio")
	}

	var err error
	if cacheDir, err = homedir.Expand(cacheDir); err != nil {
		return fmt.Errorf("unable to expand cache directory: %w", err)
	}
	if tempDir, err = homedir.Expand(tempDir); err != nil {
		return fmt.Errorf("unable to expand temp directory: %w", err)
	}
	return nil
}

// sessionConfig assembles the immutable session configuration from config
// file, flags and environment.
func sessionConfig(text string) (session.Config, error) {
	cfg := session.Config{
		Text:             text,
		Language:         language,
		Speed:            speed,
		SampleRate:       sampleRate,
		InterruptKeys:    escapeDigits(interruptKeys),
		CacheDir:         cacheDir,
		TempDir:          tempDir,
		Mpg123Path:       mpg123Path,
		SoxPath:          soxPath,
		SpeechEndpoint:   viper.GetString("api.speech_endpoint"),
		TokenEndpoint:    viper.GetString("api.token_endpoint"),
		ClientID:         viper.GetString("api.client_id"),
		ClientSecret:     viper.GetString("api.client_secret"),
		Scope:            viper.GetString("api.scope"),
		TokenScratchPath: viper.GetString("api.token_scratch"),
		Verbose:          verbose,
	}

	creds, err := env.ParseAs[credentials]()
	if err != nil {
		return cfg, fmt.Errorf("error parsing environment: %w", err)
	}
	if creds.SpeechEndpoint != "" {
		cfg.SpeechEndpoint = creds.SpeechEndpoint
	}
	if creds.TokenEndpoint != "" {
		cfg.TokenEndpoint = creds.TokenEndpoint
	}
	if creds.ClientID != "" {
		cfg.ClientID = creds.ClientID
	}
	if creds.ClientSecret != "" {
		cfg.ClientSecret = creds.ClientSecret
	}
	if creds.Scope != "" {
		cfg.Scope = creds.Scope
	}

	if cfg.TokenScratchPath == "" {
		scope := gap.NewScope(gap.User, "agivox")
		if p, err := scope.CacheDir(); err == nil {
			cfg.TokenScratchPath = filepath.Join(p, "token")
		}
	}
	return cfg, cfg.Validate()
}

// escapeDigits maps the user-facing interrupt-keys value onto the channel
// controller's escape-digit syntax.
func escapeDigits(keys string) string {
	switch keys {
	case "any":
		return "0123456789*#"
	case "none":
		return ""
	default:
		return keys
	}
}

func execute(_ *cobra.Command, args []string) error {
	// The channel controller session arrives on stdin and stdout. A terminal
	// on stdin means nobody is on the other end of the protocol.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is a terminal; agivox must be launched by a channel controller")
	}

	cfg, err := sessionConfig(strings.TrimSpace(strings.Join(args, " ")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := agi.New(os.Stdin, os.Stdout)
	if err := conn.ReadEnv(); err != nil {
		return fmt.Errorf("unable to read channel environment: %w", err)
	}
	log.Debug("Channel environment read", "variables", len(conn.Env))

	trans, err := transcode.New(ctx, cfg.Mpg123Path, cfg.SoxPath)
	if err != nil {
		return err
	}

	tokens := &token.Manager{
		Endpoint:     cfg.TokenEndpoint,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		ScratchPath:  cfg.TokenScratchPath,
	}

	var opener session.StoreOpener
	if cfg.CacheDir != "" {
		opener = func(tag string) (session.Store, error) {
			return cache.New(cfg.CacheDir, tag)
		}
	}

	ctrl := session.NewController(cfg, conn, tokens, synth.New(cfg.SpeechEndpoint), trans, opener)
	result, err := ctrl.Run(ctx)
	log.Info("Session finished", "result", result)
	if err != nil {
		return fmt.Errorf("session aborted: %w", err)
	}
	return nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&language, "language", "l", "en", "synthesis language code")
	rootCmd.Flags().Float64VarP(&speed, "speed", "s", 1.0, "playback speed factor")
	rootCmd.Flags().IntVarP(&sampleRate, "rate", "r", 0, "channel sample rate in Hz (0 negotiates from the channel)")
	rootCmd.Flags().StringVarP(&interruptKeys, "interrupt-keys", "k", "any", "keys that stop playback (\"any\", \"none\", or a digit string)")
	rootCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory for reusable transcoded audio")
	rootCmd.Flags().StringVar(&tempDir, "temp-dir", "", "directory for in-flight audio files")
	rootCmd.Flags().StringVar(&mpg123Path, "mpg123", "", "path to the mpg123 decoder")
	rootCmd.Flags().StringVar(&soxPath, "sox", "", "path to the sox resampler")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "mirror diagnostics into the channel controller log")

	// Config bindings
	_ = viper.BindPFlag("language", rootCmd.Flags().Lookup("language"))
	_ = viper.BindPFlag("speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("rate", rootCmd.Flags().Lookup("rate"))
	_ = viper.BindPFlag("interrupt_keys", rootCmd.Flags().Lookup("interrupt-keys"))
	_ = viper.BindPFlag("cache.dir", rootCmd.Flags().Lookup("cache-dir"))
	_ = viper.BindPFlag("temp_dir", rootCmd.Flags().Lookup("temp-dir"))
	_ = viper.BindPFlag("tools.mpg123", rootCmd.Flags().Lookup("mpg123"))
	_ = viper.BindPFlag("tools.sox", rootCmd.Flags().Lookup("sox"))
	_ = viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))

	viper.SetDefault("language", "en")
	viper.SetDefault("speed", 1.0)
	viper.SetDefault("rate", 0)
	viper.SetDefault("interrupt_keys", "any")
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("api.scope", "speech")

	rootCmd.AddCommand(configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "agivox")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "agivox")}, dirs...)
	}

	if c := os.Getenv("AGIVOX_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("agivox")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("agivox")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	configFile = filepath.Join(dirs[0], "agivox.yml")
}
