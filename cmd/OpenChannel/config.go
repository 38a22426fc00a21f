package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/BTreeMap/OpenChannel/internal/api"
	"github.com/BTreeMap/OpenChannel/internal/helpdesk"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OpenChannel state data
	DefaultStateDir = "/var/lib/openchannel"
	// DefaultConfigFile is read from the working directory when no config path is given
	DefaultConfigFile = "config.json"
	// DefaultStoreFileName is the default JSON conversation store inside the state directory
	DefaultStoreFileName = "conversations.json"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPort matches the port the helpdesk integration has always called
	DefaultPort = 3000
	// EnvPrefix prefixes every OpenChannel environment variable
	EnvPrefix = "OPENCHANNEL"
)

// ErrConfigInvalid is returned when the merged configuration fails validation.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config is the merged configuration: config.json, then environment, then flags.
type Config struct {
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	APIAddr string `mapstructure:"api_addr"`

	// Helpdesk
	URL      string `mapstructure:"url" validate:"required,http_url"`
	Domain   string `mapstructure:"domain" validate:"omitempty,http_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password" validate:"required_with=Username"`

	// Bot Framework
	AppID       string   `mapstructure:"app_id" validate:"required_with=AppPassword"`
	AppPassword string   `mapstructure:"app_password" validate:"required_with=AppID"`
	TokenURL    string   `mapstructure:"token_url" validate:"omitempty,url"`
	MapKey      string   `mapstructure:"map_key"`
	IgnoreFrom  []string `mapstructure:"ignore_from"`

	// Attachments
	ProxyURL        string        `mapstructure:"proxy_url" validate:"omitempty,url"`
	ProxyToken      string        `mapstructure:"proxy_token"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" validate:"gt=0"`
	MaxAttachmentMB int64         `mapstructure:"max_attachment_mb" validate:"gt=0"`

	// State
	StateDir        string        `mapstructure:"state_dir" validate:"required"`
	StoreDSN        string        `mapstructure:"store_dsn"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// Twilio WhatsApp
	TwilioAccountSID string `mapstructure:"twilio_account_sid" validate:"required_with=TwilioAuthToken TwilioFrom"`
	TwilioAuthToken  string `mapstructure:"twilio_auth_token" validate:"required_with=TwilioAccountSID"`
	TwilioFrom       string `mapstructure:"twilio_from" validate:"required_with=TwilioAccountSID"`
	TwilioWebhookURL string `mapstructure:"twilio_webhook_url" validate:"omitempty,url"`

	// whatsmeow
	WhatsAppEnabled bool   `mapstructure:"whatsapp_enabled"`
	WhatsAppDSN     string `mapstructure:"whatsapp_db_dsn"`
}

// Flags holds command line flag values
type Flags struct {
	configPath *string
	stateDir   *string
	storeDSN   *string
	apiAddr    *string
	whatsapp   *bool
	qrOutput   *string
	numeric    *bool
}

// loadDotEnv loads a .env file from the working directory when present
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// parseCommandLineFlags parses command line arguments. Empty values leave the file and environment configuration alone.
func parseCommandLineFlags(args []string) (Flags, error) {
	set := flag.NewFlagSet("OpenChannel", flag.ContinueOnError)
	flags := Flags{
		configPath: set.String("config", "", "path to config.json (overrides $OPENCHANNEL_CONFIG)"),
		stateDir:   set.String("state-dir", "", "state directory for OpenChannel data (overrides $OPENCHANNEL_STATE_DIR)"),
		storeDSN:   set.String("store-dsn", "", "conversation store: JSON file path, SQLite DSN or Postgres URL (overrides $OPENCHANNEL_STORE_DSN)"),
		apiAddr:    set.String("api-addr", "", "API server address (overrides port and $API_ADDR)"),
		whatsapp:   set.Bool("whatsapp", false, "enable the whatsmeow WhatsApp channel"),
		qrOutput:   set.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:    set.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
	}
	if err := set.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"config", *flags.configPath,
		"stateDir", *flags.stateDir,
		"storeDSN_set", *flags.storeDSN != "",
		"apiAddr", *flags.apiAddr,
		"whatsapp", *flags.whatsapp,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)
	return flags, nil
}

// newViper builds the file and environment layer with OpenChannel's defaults.
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetDefault("port", DefaultPort)
	v.SetDefault("api_addr", "")
	v.SetDefault("url", "")
	v.SetDefault("domain", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("app_id", "")
	v.SetDefault("app_password", "")
	v.SetDefault("token_url", "")
	v.SetDefault("map_key", "")
	v.SetDefault("ignore_from", []string{})
	v.SetDefault("proxy_url", "")
	v.SetDefault("proxy_token", "")
	v.SetDefault("transfer_timeout", transfer.DefaultTimeout)
	v.SetDefault("max_attachment_mb", transfer.DefaultMaxBytes>>20)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("store_dsn", "")
	v.SetDefault("shutdown_timeout", api.DefaultShutdownTimeout)
	v.SetDefault("twilio_account_sid", "")
	v.SetDefault("twilio_auth_token", "")
	v.SetDefault("twilio_from", "")
	v.SetDefault("twilio_webhook_url", "")
	v.SetDefault("whatsapp_enabled", false)
	v.SetDefault("whatsapp_db_dsn", "")

	// OPENCHANNEL_URL, OPENCHANNEL_APP_ID, ... for every key above
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Names shared with other deployments of the same credentials
	v.BindEnv("api_addr", EnvPrefix+"_API_ADDR", "API_ADDR")
	v.BindEnv("store_dsn", EnvPrefix+"_STORE_DSN", "DATABASE_URL")
	v.BindEnv("app_id", EnvPrefix+"_APP_ID", "MICROSOFT_APP_ID")
	v.BindEnv("app_password", EnvPrefix+"_APP_PASSWORD", "MICROSOFT_APP_PASSWORD")
	v.BindEnv("twilio_account_sid", EnvPrefix+"_TWILIO_ACCOUNT_SID", "TWILIO_ACCOUNT_SID")
	v.BindEnv("twilio_auth_token", EnvPrefix+"_TWILIO_AUTH_TOKEN", "TWILIO_AUTH_TOKEN")
	v.BindEnv("twilio_from", EnvPrefix+"_TWILIO_FROM", "TWILIO_FROM_NUMBER")
	v.BindEnv("whatsapp_db_dsn", EnvPrefix+"_WHATSAPP_DB_DSN", "WHATSAPP_DB_DSN")
	return v
}

// loadConfig merges config.json, the environment and flags, derives defaults and validates the result.
func loadConfig(flags Flags) (Config, error) {
	configPath, explicit := *flags.configPath, *flags.configPath != ""
	if !explicit {
		configPath = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = configPath != ""
	}
	if !explicit {
		configPath = DefaultConfigFile
	}

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, configPath, err)
		}
		if explicit {
			return Config{}, fmt.Errorf("%w: config file %s not found", ErrConfigInvalid, configPath)
		}
		slog.Debug("loadConfig: no config file, using environment only", "path", configPath)
	} else {
		slog.Debug("loadConfig: config file loaded", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	applyFlagOverrides(&cfg, flags)
	applyDerivedDefaults(&cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	slog.Debug("configuration loaded",
		"api_addr", cfg.APIAddr,
		"url", cfg.URL,
		"domain", cfg.Domain,
		"username_set", cfg.Username != "",
		"password_set", cfg.Password != "",
		"app_id_set", cfg.AppID != "",
		"app_password_set", cfg.AppPassword != "",
		"proxy_set", cfg.ProxyURL != "",
		"state_dir", cfg.StateDir,
		"store_dsn_set", cfg.StoreDSN != "",
		"twilio_enabled", cfg.TwilioAccountSID != "",
		"whatsapp_enabled", cfg.WhatsAppEnabled)
	return cfg, nil
}

func applyFlagOverrides(cfg *Config, flags Flags) {
	if *flags.stateDir != "" {
		cfg.StateDir = *flags.stateDir
	}
	if *flags.storeDSN != "" {
		cfg.StoreDSN = *flags.storeDSN
	}
	if *flags.apiAddr != "" {
		cfg.APIAddr = *flags.apiAddr
	}
	if *flags.whatsapp {
		cfg.WhatsAppEnabled = true
	}
}

// applyDerivedDefaults fills settings that depend on other settings
func applyDerivedDefaults(cfg *Config) {
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	if cfg.APIAddr == "" {
		port := cfg.Port
		if port == 0 {
			port = DefaultPort
		}
		cfg.APIAddr = ":" + strconv.Itoa(port)
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		if origin, err := helpdesk.Origin(cfg.URL); err == nil {
			cfg.Domain = origin
			slog.Debug("No helpdesk domain provided, using url origin", "domain", cfg.Domain)
		}
	}
	if cfg.StoreDSN == "" && cfg.StateDir != "" {
		cfg.StoreDSN = filepath.Join(cfg.StateDir, DefaultStoreFileName)
		slog.Debug("No store DSN provided, defaulting to JSON file", "store_path", cfg.StoreDSN)
	}
	if cfg.WhatsAppEnabled && cfg.WhatsAppDSN == "" && cfg.StateDir != "" {
		cfg.WhatsAppDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report keys as they are spelled in config.json
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("http_url", func(fl validator.FieldLevel) bool {
		_, err := helpdesk.Origin(fl.Field().String())
		return err == nil
	})
	return v
}

// validateConfig reports every invalid key at once, wrapped in ErrConfigInvalid.
func validateConfig(cfg Config) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", fe.Field(), fe.Param())
	case "url":
		return fe.Field() + " must be an absolute URL"
	case "http_url":
		return fe.Field() + " must be an absolute http(s) URL"
	case "gt":
		return fe.Field() + " must be positive"
	default:
		return fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
}
