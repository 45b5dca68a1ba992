package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"podhub/internal/theme"
)

// EnvPrefix prefixes environment overrides, e.g. PODHUB_PARALLEL_DOWNLOADS.
const EnvPrefix = "PODHUB"

// Config represents the persisted application configuration.
type Config struct {
	DownloadRoot                   string `yaml:"download_root" mapstructure:"download_root"`
	ParallelDownloads              int    `yaml:"parallel_downloads" mapstructure:"parallel_downloads"`
	TmpDir                         string `yaml:"tmp_dir" mapstructure:"tmp_dir"`
	RetryCount                     int    `yaml:"retry_count" mapstructure:"retry_count"`
	RetryBackoffMaxSec             int    `yaml:"retry_backoff_max_seconds" mapstructure:"retry_backoff_max_seconds"`
	UserAgent                      string `yaml:"user_agent" mapstructure:"user_agent"`
	Proxy                          string `yaml:"proxy,omitempty" mapstructure:"proxy"`
	TLSVerify                      bool   `yaml:"tls_verify" mapstructure:"tls_verify"`
	ColorTheme                     string `yaml:"color_theme" mapstructure:"color_theme"`
	MaxEpisodes                    int    `yaml:"max_episodes" mapstructure:"max_episodes"`
	AutoUpdateEpisodePeriod        int    `yaml:"auto_update_episode_period" mapstructure:"auto_update_episode_period"`
	DeleteDownloadedPlayedEpisodes bool   `yaml:"delete_downloaded_played_episodes" mapstructure:"delete_downloaded_played_episodes"`
	MarkDeletedEpisodesPlayed      bool   `yaml:"mark_deleted_episodes_played" mapstructure:"mark_deleted_episodes_played"`
	PositionSaveIntervalSec        int    `yaml:"position_save_interval_seconds" mapstructure:"position_save_interval_seconds"`
	RefreshConcurrency             int    `yaml:"refresh_concurrency" mapstructure:"refresh_concurrency"`
	RefreshPerMinute               int    `yaml:"refresh_per_minute" mapstructure:"refresh_per_minute"`
	APIListen                      string `yaml:"api_listen" mapstructure:"api_listen"`
	PlayerCommand                  string `yaml:"player_command" mapstructure:"player_command"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	downloadRoot := filepath.Join(home, "Podcasts")
	return Config{
		DownloadRoot:            downloadRoot,
		ParallelDownloads:       4,
		TmpDir:                  os.TempDir(),
		RetryCount:              3,
		RetryBackoffMaxSec:      60,
		UserAgent:               "podhub/dev",
		TLSVerify:               true,
		ColorTheme:              theme.Default,
		MaxEpisodes:             12,
		AutoUpdateEpisodePeriod: 180,
		PositionSaveIntervalSec: 10,
		RefreshConcurrency:      4,
		RefreshPerMinute:        60,
		APIListen:               "127.0.0.1:8787",
		PlayerCommand:           "mpv",
	}
}

// Ensure loads configuration from the provided path, prompting the user to
// create one if it does not yet exist.
func Ensure(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk and applies PODHUB_* environment
// overrides. Keys missing from the file fall back to Defaults.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("download_root", cfg.DownloadRoot)
	v.SetDefault("parallel_downloads", cfg.ParallelDownloads)
	v.SetDefault("tmp_dir", cfg.TmpDir)
	v.SetDefault("retry_count", cfg.RetryCount)
	v.SetDefault("retry_backoff_max_seconds", cfg.RetryBackoffMaxSec)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("proxy", cfg.Proxy)
	v.SetDefault("tls_verify", cfg.TLSVerify)
	v.SetDefault("color_theme", cfg.ColorTheme)
	v.SetDefault("max_episodes", cfg.MaxEpisodes)
	v.SetDefault("auto_update_episode_period", cfg.AutoUpdateEpisodePeriod)
	v.SetDefault("delete_downloaded_played_episodes", cfg.DeleteDownloadedPlayedEpisodes)
	v.SetDefault("mark_deleted_episodes_played", cfg.MarkDeletedEpisodesPlayed)
	v.SetDefault("position_save_interval_seconds", cfg.PositionSaveIntervalSec)
	v.SetDefault("refresh_concurrency", cfg.RefreshConcurrency)
	v.SetDefault("refresh_per_minute", cfg.RefreshPerMinute)
	v.SetDefault("api_listen", cfg.APIListen)
	v.SetDefault("player_command", cfg.PlayerCommand)
}

func normalize(cfg *Config) {
	defaults := Defaults()
	if strings.TrimSpace(cfg.ColorTheme) == "" {
		cfg.ColorTheme = theme.Default
	}
	if cfg.MaxEpisodes <= 0 {
		cfg.MaxEpisodes = defaults.MaxEpisodes
	}
	if cfg.ParallelDownloads <= 0 {
		cfg.ParallelDownloads = defaults.ParallelDownloads
	}
	if cfg.AutoUpdateEpisodePeriod < -1 {
		cfg.AutoUpdateEpisodePeriod = -1
	}
	if cfg.PositionSaveIntervalSec <= 0 {
		cfg.PositionSaveIntervalSec = defaults.PositionSaveIntervalSec
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = defaults.RefreshConcurrency
	}
	if cfg.RefreshPerMinute <= 0 {
		cfg.RefreshPerMinute = defaults.RefreshPerMinute
	}
	if strings.TrimSpace(cfg.PlayerCommand) == "" {
		cfg.PlayerCommand = defaults.PlayerCommand
	}
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(ctx context.Context, cfg *Config) error {
	if fromEnv := strings.TrimSpace(os.Getenv(EnvPrefix + "_DOWNLOAD_ROOT")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(resolved, 0o755); err != nil {
			return fmt.Errorf("create download directory: %w", err)
		}
		cfg.DownloadRoot = resolved
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	prompt := &survey.Input{
		Message: "Choose a download directory",
		Default: cfg.DownloadRoot,
	}

	var answer string
	if err := survey.AskOne(prompt, &answer, survey.WithValidator(survey.Required)); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return fmt.Errorf("initialisation interrupted")
		}
		return err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("download directory cannot be empty")
	}

	resolved, err := expandPath(answer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	cfg.DownloadRoot = resolved
	return nil
}

// EditableKeys returns the ordered list of configuration keys exposed via the
// interactive editor.
func EditableKeys() []string {
	return []string{
		"download_root",
		"parallel_downloads",
		"tmp_dir",
		"retry_count",
		"retry_backoff_max_seconds",
		"user_agent",
		"proxy",
		"tls_verify",
		"color_theme",
		"max_episodes",
		"auto_update_episode_period",
		"delete_downloaded_played_episodes",
		"mark_deleted_episodes_played",
		"api_listen",
		"player_command",
	}
}

// EditInteractive opens an interactive survey session allowing the user to
// update configuration values.
func EditInteractive(ctx context.Context, cfg Config) (Config, error) {
	questions := []*survey.Question{
		{
			Name:     "download_root",
			Prompt:   &survey.Input{Message: "Download directory", Default: cfg.DownloadRoot},
			Validate: survey.Required,
		},
		{
			Name:     "parallel_downloads",
			Prompt:   &survey.Input{Message: "Parallel downloads", Default: fmt.Sprintf("%d", cfg.ParallelDownloads)},
			Validate: validatePositiveInt,
		},
		{
			Name:     "tmp_dir",
			Prompt:   &survey.Input{Message: "Temporary directory", Default: cfg.TmpDir},
			Validate: survey.Required,
		},
		{
			Name:     "retry_count",
			Prompt:   &survey.Input{Message: "Retry count", Default: fmt.Sprintf("%d", cfg.RetryCount)},
			Validate: validateNonNegativeInt,
		},
		{
			Name:     "retry_backoff_max_seconds",
			Prompt:   &survey.Input{Message: "Retry backoff max (seconds)", Default: fmt.Sprintf("%d", cfg.RetryBackoffMaxSec)},
			Validate: validatePositiveInt,
		},
		{
			Name:   "user_agent",
			Prompt: &survey.Input{Message: "User agent", Default: cfg.UserAgent},
		},
		{
			Name:   "proxy",
			Prompt: &survey.Input{Message: "HTTP proxy (optional)", Default: cfg.Proxy},
		},
		{
			Name:   "tls_verify",
			Prompt: &survey.Confirm{Message: "Verify TLS certificates", Default: cfg.TLSVerify},
		},
		{
			Name: "color_theme",
			Prompt: &survey.Select{
				Message: "Color theme",
				Options: theme.Names(),
				Default: cfg.ColorTheme,
			},
		},
		{
			Name:     "max_episodes",
			Prompt:   &survey.Input{Message: "Maximum episodes to display in list", Default: fmt.Sprintf("%d", cfg.MaxEpisodes)},
			Validate: validatePositiveInt,
		},
		{
			Name: "auto_update_episode_period",
			Prompt: &survey.Input{
				Message: "Refresh feeds older than (minutes, -1 never, 0 always)",
				Default: fmt.Sprintf("%d", cfg.AutoUpdateEpisodePeriod),
			},
			Validate: validatePeriod,
		},
		{
			Name:   "delete_downloaded_played_episodes",
			Prompt: &survey.Confirm{Message: "Delete downloads once played", Default: cfg.DeleteDownloadedPlayedEpisodes},
		},
		{
			Name:   "mark_deleted_episodes_played",
			Prompt: &survey.Confirm{Message: "Mark episodes played when their download is deleted", Default: cfg.MarkDeletedEpisodesPlayed},
		},
		{
			Name:   "api_listen",
			Prompt: &survey.Input{Message: "HTTP API listen address", Default: cfg.APIListen},
		},
		{
			Name:     "player_command",
			Prompt:   &survey.Input{Message: "Player command", Default: cfg.PlayerCommand},
			Validate: survey.Required,
		},
	}

	answers := map[string]interface{}{}
	select {
	case <-ctx.Done():
		return Config{}, ctx.Err()
	default:
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return Config{}, err
	}

	cfg.DownloadRoot = strings.TrimSpace(answers["download_root"].(string))
	cfg.ParallelDownloads = toInt(answers["parallel_downloads"])
	cfg.TmpDir = strings.TrimSpace(answers["tmp_dir"].(string))
	cfg.RetryCount = toInt(answers["retry_count"])
	cfg.RetryBackoffMaxSec = toInt(answers["retry_backoff_max_seconds"])
	cfg.UserAgent = strings.TrimSpace(answers["user_agent"].(string))
	cfg.Proxy = strings.TrimSpace(answers["proxy"].(string))
	cfg.TLSVerify = answers["tls_verify"].(bool)
	if themeName, ok := answers["color_theme"].(string); ok {
		cfg.ColorTheme = themeName
	} else if opt, ok := answers["color_theme"].(survey.OptionAnswer); ok {
		cfg.ColorTheme = opt.Value
	}
	cfg.MaxEpisodes = toInt(answers["max_episodes"])
	cfg.AutoUpdateEpisodePeriod = toInt(answers["auto_update_episode_period"])
	cfg.DeleteDownloadedPlayedEpisodes = answers["delete_downloaded_played_episodes"].(bool)
	cfg.MarkDeletedEpisodesPlayed = answers["mark_deleted_episodes_played"].(bool)
	cfg.APIListen = strings.TrimSpace(answers["api_listen"].(string))
	cfg.PlayerCommand = strings.TrimSpace(answers["player_command"].(string))

	return cfg, nil
}

func validatePositiveInt(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	if v == "" {
		return errors.New("value required")
	}
	i, err := parseInt(v)
	if err != nil {
		return err
	}
	if i <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func validateNonNegativeInt(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	if v == "" {
		return errors.New("value required")
	}
	i, err := parseInt(v)
	if err != nil {
		return err
	}
	if i < 0 {
		return errors.New("must be zero or positive")
	}
	return nil
}

func validatePeriod(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	i, err := parseInt(v)
	if err != nil {
		return err
	}
	if i < -1 {
		return errors.New("must be -1 or greater")
	}
	return nil
}

func parseInt(value string) (int, error) {
	var i int
	_, err := fmt.Sscanf(value, "%d", &i)
	if err != nil {
		return 0, errors.New("must be a number")
	}
	return i, nil
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		i, _ := parseInt(v)
		return i
	default:
		return 0
	}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
