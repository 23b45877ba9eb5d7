package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rcs-ims-core/pkg/errors"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	SIP       SIPConfig       `json:"sip" envPrefix:"SIP_"`
	Services  Settings        `json:"services" envPrefix:"RCS_"`
	Media     MediaConfig     `json:"media" envPrefix:"MEDIA_"`
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `json:"metrics" envPrefix:"METRICS_"`
	Messaging MessagingConfig `json:"messaging" envPrefix:"AMQP_"`
	Store     StoreConfig     `json:"store" envPrefix:"SESSION_STORE_"`
	HotReload HotReloadConfig `json:"hot_reload" envPrefix:"CONFIG_"`

	// EnvFile is the .env file the configuration was loaded from, if any
	EnvFile string `json:"env_file"`
}

// SIPConfig describes the local SIP endpoint and its identity
type SIPConfig struct {
	// Address to bind the listener to
	ListenAddress string `json:"listen_address" env:"LISTEN_ADDRESS" envDefault:"0.0.0.0"`

	// Address advertised in Contact and checked against inbound request-URIs (auto = detect)
	LocalAddress string `json:"local_address" env:"LOCAL_ADDRESS" envDefault:"auto"`
	LocalPort    int    `json:"local_port" env:"LOCAL_PORT" envDefault:"5060"`
	Transport    string `json:"transport" env:"TRANSPORT" envDefault:"udp"`

	// Public mapping discovered by the registration subsystem when behind a NAT
	BehindNAT        bool   `json:"behind_nat" env:"BEHIND_NAT" envDefault:"false"`
	NatPublicAddress string `json:"nat_public_address" env:"NAT_PUBLIC_ADDRESS"`
	NatPublicPort    int    `json:"nat_public_port" env:"NAT_PUBLIC_PORT" envDefault:"0"`

	// Multi-device identifiers
	InstanceID string `json:"instance_id" env:"INSTANCE_ID"`
	PublicGRUU string `json:"public_gruu" env:"PUBLIC_GRUU"`

	PublicURI     string `json:"public_uri" env:"PUBLIC_URI" envDefault:"sip:anonymous@localhost"`
	DisplayName   string `json:"display_name" env:"DISPLAY_NAME"`
	Username      string `json:"username" env:"USERNAME"`
	Password      string `json:"-" env:"PASSWORD"`
	OutboundProxy string `json:"outbound_proxy" env:"OUTBOUND_PROXY"`
	UserAgent     string `json:"user_agent" env:"USER_AGENT" envDefault:"rcs-ims-core"`

	// Transport timeout added to the ringing period when waiting for a final response
	TransactionTimeout time.Duration `json:"transaction_timeout" env:"TRANSACTION_TIMEOUT" envDefault:"30s"`
}

// MediaConfig describes the local media endpoint advertised in SDP
type MediaConfig struct {
	MsrpPort  int `json:"msrp_port" env:"MSRP_PORT" envDefault:"20000"`
	AudioPort int `json:"audio_port" env:"AUDIO_PORT" envDefault:"30000"`
	VideoPort int `json:"video_port" env:"VIDEO_PORT" envDefault:"30002"`

	// Accept every inbound invitation instead of letting it ring out
	AutoAccept bool `json:"auto_accept" env:"AUTO_ACCEPT" envDefault:"false"`
}

// LoggingConfig holds logging-related configurations
type LoggingConfig struct {
	Level      string `json:"level" env:"LEVEL" envDefault:"info"`
	Format     string `json:"format" env:"FORMAT" envDefault:"json"`
	OutputFile string `json:"output_file" env:"OUTPUT_FILE"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED" envDefault:"true"`
	Address string `json:"address" env:"ADDRESS" envDefault:":9090"`
	Path    string `json:"path" env:"PATH" envDefault:"/metrics"`
}

// MessagingConfig holds the AMQP settings for lifecycle event publishing
type MessagingConfig struct {
	URL            string        `json:"url" env:"URL"`
	QueueName      string        `json:"queue_name" env:"QUEUE_NAME" envDefault:"ims-session-events"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// StoreConfig selects where session lifecycle records are kept
type StoreConfig struct {
	// Backend is memory or redis
	Backend       string        `json:"backend" env:"BACKEND" envDefault:"memory"`
	RecordTTL     time.Duration `json:"record_ttl" env:"RECORD_TTL" envDefault:"24h"`
	RedisAddress  string        `json:"redis_address" env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	RedisPassword string        `json:"-" env:"REDIS_PASSWORD"`
	RedisDatabase int           `json:"redis_database" env:"REDIS_DATABASE" envDefault:"0"`
}

// HotReloadConfig controls the settings file watcher
type HotReloadConfig struct {
	Enabled  bool          `json:"enabled" env:"HOT_RELOAD" envDefault:"false"`
	Debounce time.Duration `json:"debounce" env:"HOT_RELOAD_DEBOUNCE" envDefault:"2s"`
}

// Load loads the configuration from .env files and the environment
func Load(logger *logrus.Logger) (*Config, error) {
	loadedFrom := loadEnvFile(logger)

	config, err := parse()
	if err != nil {
		return nil, err
	}
	config.EnvFile = loadedFrom

	if config.SIP.LocalAddress == "" || config.SIP.LocalAddress == "auto" {
		config.SIP.LocalAddress = getInternalIP(logger)
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func parse() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	return config, nil
}

// loadEnvFile tries the usual .env locations and returns the absolute path of
// the file that was loaded, or an empty string.
func loadEnvFile(logger *logrus.Logger) string {
	if explicit := os.Getenv("ENV_FILE"); explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			logger.WithError(err).WithField("path", explicit).Warn("Failed to load ENV_FILE")
			return ""
		}
		absPath, _ := filepath.Abs(explicit)
		return absPath
	}

	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if loadErr := godotenv.Load(envFile); loadErr != nil {
			logger.WithError(loadErr).WithField("path", absPath).Debug("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return absPath
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	return ""
}

func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.SIP.LocalPort <= 0 || config.SIP.LocalPort > 65535 {
		return errors.New(fmt.Sprintf("invalid SIP_LOCAL_PORT: %d", config.SIP.LocalPort))
	}

	switch strings.ToLower(config.SIP.Transport) {
	case "udp", "tcp", "tls", "ws":
	default:
		return errors.New(fmt.Sprintf("unsupported SIP_TRANSPORT: %s", config.SIP.Transport))
	}

	if config.SIP.BehindNAT && config.SIP.NatPublicAddress == "" {
		logger.Warn("SIP_BEHIND_NAT is set without SIP_NAT_PUBLIC_ADDRESS; request-URI checks use the local address only")
	}

	if config.SIP.TransactionTimeout <= 0 {
		return errors.New("invalid SIP_TRANSACTION_TIMEOUT: must be a positive duration")
	}

	for name, port := range map[string]int{
		"MEDIA_MSRP_PORT":  config.Media.MsrpPort,
		"MEDIA_AUDIO_PORT": config.Media.AudioPort,
		"MEDIA_VIDEO_PORT": config.Media.VideoPort,
	} {
		if port <= 0 || port > 65535 {
			return errors.New(fmt.Sprintf("invalid %s: %d", name, port))
		}
	}

	if err := config.Services.validate(); err != nil {
		return err
	}

	switch config.Store.Backend {
	case "memory", "redis":
	default:
		return errors.New(fmt.Sprintf("unsupported SESSION_STORE_BACKEND: %s", config.Store.Backend))
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// getInternalIP returns the first non-loopback IPv4 address
func getInternalIP(logger *logrus.Logger) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("Could not get interface addresses, using localhost as fallback")
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	logger.Warn("Could not find non-loopback interface address, using localhost as fallback")
	return "127.0.0.1"
}
