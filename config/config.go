package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/bounce-monitor/credential"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/notify"
)

const (
	envPrefix         = "BOUNCE"
	defaultRunTimeout = 30 * time.Minute
)

// lookupSecret reads a keyring entry; tests replace it.
var lookupSecret = credential.Lookup

// Config is the resolved configuration of one invocation.
type Config struct {
	ConfigFile        string
	Database          string
	LogLevel          string
	LogDir            string
	RunTimeout        time.Duration
	DedupAfterRun     bool
	DedupPolicy       string
	ParallelMailboxes int
	MetricsAddr       string
	DryRun            bool
	// Mailbox restricts a run to the mailbox with this name.
	Mailbox   string
	Progress  bool
	Mailboxes []model.Mailbox

	keyrings map[string]string
}

type fileConfig struct {
	Database          string          `mapstructure:"database"`
	LogLevel          string          `mapstructure:"log_level"`
	LogDir            string          `mapstructure:"log_dir"`
	RunTimeout        time.Duration   `mapstructure:"run_timeout"`
	DedupAfterRun     bool            `mapstructure:"dedup_after_run"`
	DedupPolicy       string          `mapstructure:"dedup_policy"`
	ParallelMailboxes int             `mapstructure:"parallel_mailboxes"`
	MetricsAddr       string          `mapstructure:"metrics_addr"`
	DryRun            bool            `mapstructure:"dry_run"`
	Mailbox           string          `mapstructure:"mailbox"`
	Progress          bool            `mapstructure:"progress"`
	Mailboxes         []mailboxConfig `mapstructure:"mailboxes"`
}

type mailboxConfig struct {
	Name               string   `mapstructure:"name"`
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	Security           string   `mapstructure:"security"`
	Auth               string   `mapstructure:"auth"`
	Username           string   `mapstructure:"username"`
	Password           string   `mapstructure:"password"`
	PasswordKeyring    string   `mapstructure:"password_keyring"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	Inbox              string   `mapstructure:"inbox"`
	ProcessedFolder    string   `mapstructure:"processed_folder"`
	SkippedFolder      string   `mapstructure:"skipped_folder"`
	ProblemFolder      string   `mapstructure:"problem_folder"`
	Enabled            *bool    `mapstructure:"enabled"`
	IncludeHeader      []string `mapstructure:"include_header"`
	IncludeBody        []string `mapstructure:"include_body"`
	ExcludeHeader      []string `mapstructure:"exclude_header"`
	ExcludeBody        []string `mapstructure:"exclude_body"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"database":     "database",
	"log-level":    "log_level",
	"log-dir":      "log_dir",
	"run-timeout":  "run_timeout",
	"dedup":        "dedup_after_run",
	"dedup-policy": "dedup_policy",
	"parallel":     "parallel_mailboxes",
	"metrics-addr": "metrics_addr",
	"dry-run":      "dry_run",
	"mailbox":      "mailbox",
	"progress":     "progress",
}

// RegisterFlags attaches the flags shared by every subcommand.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML configuration file (default ./bounce-monitor.yaml or ~/.config/bounce-monitor/bounce-monitor.yaml)")
	flags.String("database", "", "Path to the SQLite database (default ~/.bounce-monitor/bounces.db)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files; logs go to stdout only when empty")
	return nil
}

// RegisterRunFlags attaches the flags of the run command.
func RegisterRunFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.Bool("dry-run", false, "Classify and record into a throwaway store without moving any message")
	flags.String("mailbox", "", "Only process the mailbox with this name")
	flags.Duration("run-timeout", defaultRunTimeout, "Upper bound for the whole run")
	flags.Int("parallel", 1, "Number of mailboxes processed concurrently")
	flags.Bool("dedup", false, "Deduplicate pending notifications after the run")
	flags.String("dedup-policy", string(notify.PolicyRecipient), "Dedup key: recipient or recipient+original_to")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.Bool("progress", false, "Show a progress bar per mailbox")
	return nil
}

// LoadConfig merges defaults, the configuration file, BOUNCE_* environment
// variables and the flags of cmd, in increasing order of precedence.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("database", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "")
	v.SetDefault("run_timeout", defaultRunTimeout)
	v.SetDefault("dedup_after_run", false)
	v.SetDefault("dedup_policy", string(notify.PolicyRecipient))
	v.SetDefault("parallel_mailboxes", 1)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("dry_run", false)
	v.SetDefault("mailbox", "")
	v.SetDefault("progress", false)

	flags := cmd.Flags()
	if err := bindFlags(v, flags); err != nil {
		return Config{}, err
	}

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if err := readConfigFile(v, configFile); err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", v.ConfigFileUsed(), err)
	}

	cfg, err := fc.resolve()
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("bounce-monitor")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "bounce-monitor"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

func (fc fileConfig) resolve() (Config, error) {
	cfg := Config{
		Database:          fc.Database,
		LogLevel:          normalizeLevel(fc.LogLevel),
		LogDir:            fc.LogDir,
		RunTimeout:        fc.RunTimeout,
		DedupAfterRun:     fc.DedupAfterRun,
		DedupPolicy:       fc.DedupPolicy,
		ParallelMailboxes: fc.ParallelMailboxes,
		MetricsAddr:       fc.MetricsAddr,
		DryRun:            fc.DryRun,
		Mailbox:           fc.Mailbox,
		Progress:          fc.Progress,
		keyrings:          map[string]string{},
	}

	if cfg.Database == "" {
		path, err := defaultDatabase()
		if err != nil {
			return Config{}, err
		}
		cfg.Database = path
	}
	if cfg.Database != ":memory:" {
		cfg.Database = filepath.Clean(cfg.Database)
	}

	for _, mc := range fc.Mailboxes {
		mb := model.Mailbox{
			Name:               strings.TrimSpace(mc.Name),
			Host:               mc.Host,
			Port:               mc.Port,
			Security:           model.Security(strings.ToLower(mc.Security)),
			Auth:               strings.ToLower(mc.Auth),
			Username:           mc.Username,
			Password:           mc.Password,
			InsecureSkipVerify: mc.InsecureSkipVerify,
			Inbox:              mc.Inbox,
			ProcessedFolder:    mc.ProcessedFolder,
			SkippedFolder:      mc.SkippedFolder,
			ProblemFolder:      mc.ProblemFolder,
			Enabled:            mc.Enabled == nil || *mc.Enabled,
			IncludeHeader:      mc.IncludeHeader,
			IncludeBody:        mc.IncludeBody,
			ExcludeHeader:      mc.ExcludeHeader,
			ExcludeBody:        mc.ExcludeBody,
		}
		if mb.Security == "" {
			mb.Security = model.SecuritySSL
		}
		if mb.Auth == "" {
			mb.Auth = "login"
		}
		if mb.Port == 0 {
			mb.Port = defaultPort(mb.Security)
		}
		cfg.Mailboxes = append(cfg.Mailboxes, mb.WithDefaults())
		if mc.PasswordKeyring != "" {
			cfg.keyrings[mb.Name] = mc.PasswordKeyring
		}
	}
	return cfg, nil
}

// ResolvePasswords fills in missing passwords of enabled mailboxes from
// BOUNCE_PASSWORD_<NAME> or the keyring entry named by password_keyring.
func (c *Config) ResolvePasswords() error {
	for i := range c.Mailboxes {
		mb := &c.Mailboxes[i]
		if !mb.Enabled || mb.Password != "" {
			continue
		}
		if pw := os.Getenv(PasswordEnv(mb.Name)); pw != "" {
			mb.Password = pw
			continue
		}
		key, ok := c.keyrings[mb.Name]
		if !ok {
			return fmt.Errorf("mailbox %s: password must be provided via password, password_keyring or %s", mb.Name, PasswordEnv(mb.Name))
		}
		pw, err := lookupSecret(key)
		if err != nil {
			return fmt.Errorf("mailbox %s: %w", mb.Name, err)
		}
		mb.Password = pw
	}
	return nil
}

// PasswordEnv names the environment variable holding a mailbox password.
func PasswordEnv(mailbox string) string {
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, mailbox)
	return envPrefix + "_PASSWORD_" + name
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

func defaultPort(sec model.Security) int {
	if sec == model.SecuritySSL {
		return 993
	}
	return 143
}

func validateConfig(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	if cfg.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive")
	}
	if cfg.ParallelMailboxes < 1 {
		return fmt.Errorf("parallel_mailboxes must be at least 1")
	}
	if _, err := notify.ParsePolicy(cfg.DedupPolicy); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, mb := range cfg.Mailboxes {
		if mb.Name == "" {
			return fmt.Errorf("mailboxes[%d]: name is required", i)
		}
		key := strings.ToLower(mb.Name)
		if seen[key] {
			return fmt.Errorf("mailbox %s is configured twice", mb.Name)
		}
		seen[key] = true

		if err := validateMailbox(mb); err != nil {
			return fmt.Errorf("mailbox %s: %w", mb.Name, err)
		}
	}

	if cfg.Mailbox != "" && !seen[strings.ToLower(cfg.Mailbox)] {
		return fmt.Errorf("--mailbox %s is not configured", cfg.Mailbox)
	}
	return nil
}

func validateMailbox(mb model.Mailbox) error {
	if mb.Host == "" {
		return fmt.Errorf("host is required")
	}
	if mb.Port <= 0 || mb.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if mb.Username == "" {
		return fmt.Errorf("username is required")
	}
	switch mb.Security {
	case model.SecuritySSL, model.SecurityStartTLS, model.SecurityNone:
	default:
		return fmt.Errorf("invalid security %q", mb.Security)
	}
	switch mb.Auth {
	case "login", "plain":
	default:
		return fmt.Errorf("invalid auth %q", mb.Auth)
	}

	includeActive := len(mb.IncludeHeader) > 0 || len(mb.IncludeBody) > 0
	excludeActive := len(mb.ExcludeHeader) > 0 || len(mb.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	folders := map[string]bool{}
	for _, f := range append([]string{mb.Inbox}, mb.ResultFolders()...) {
		if folders[f] {
			return fmt.Errorf("folder %s is used twice", f)
		}
		folders[f] = true
	}
	return nil
}

func defaultDatabase() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bounce-monitor", "bounces.db"), nil
}
