package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "rox"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		Scheme    string `yaml:"scheme"`
		Database  string `yaml:"database"`
		LogLevel  string `yaml:"logLevel"`
	}
	Federation FederationConfig `yaml:"federation"`
}

// FederationConfig tunes delivery, actor resolution and signature checks.
type FederationConfig struct {
	InstanceActor        string        `yaml:"instanceActor"`
	DeliveryWorkers      int           `yaml:"deliveryWorkers"`
	DeliveryMaxAttempts  int           `yaml:"deliveryMaxAttempts"`
	DeliveryBackoff      time.Duration `yaml:"deliveryBackoff"`
	DeliveryMaxBackoff   time.Duration `yaml:"deliveryMaxBackoff"`
	DeliveryTimeout      time.Duration `yaml:"deliveryTimeout"`
	DeliveryPollInterval time.Duration `yaml:"deliveryPollInterval"`
	FetchTimeout         time.Duration `yaml:"fetchTimeout"`
	FetchAttempts        int           `yaml:"fetchAttempts"`
	FetchBackoff         time.Duration `yaml:"fetchBackoff"`
	ActorCacheTTL        time.Duration `yaml:"actorCacheTTL"`
	SignatureMaxSkew     time.Duration `yaml:"signatureMaxSkew"`
}

// ReadConf loads the config from path, or when path is empty from the
// first config.yaml found locally or in the user config directory.
// ROX_* environment variables override file values.
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}

	if path == "" {
		path = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", path)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()

	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("ROX_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("ROX_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ROX_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("ROX_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("ROX_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("ROX_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("ROX_DELIVERY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ROX_DELIVERY_WORKERS: %w", err)
		}
		c.Federation.DeliveryWorkers = n
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.Host == "" {
		c.Conf.Host = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.SslDomain == "" {
		c.Conf.SslDomain = "localhost"
	}
	if c.Conf.Scheme == "" {
		c.Conf.Scheme = "https"
	}
	if c.Conf.Database == "" {
		c.Conf.Database = "database.db"
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}

	f := &c.Federation
	if f.InstanceActor == "" {
		f.InstanceActor = "instance.actor"
	}
	if f.DeliveryWorkers <= 0 {
		f.DeliveryWorkers = 4
	}
	if f.DeliveryMaxAttempts <= 0 {
		f.DeliveryMaxAttempts = 5
	}
	if f.DeliveryBackoff <= 0 {
		f.DeliveryBackoff = 30 * time.Second
	}
	if f.DeliveryMaxBackoff <= 0 {
		f.DeliveryMaxBackoff = 6 * time.Hour
	}
	if f.DeliveryTimeout <= 0 {
		f.DeliveryTimeout = 30 * time.Second
	}
	if f.DeliveryPollInterval <= 0 {
		f.DeliveryPollInterval = 10 * time.Second
	}
	if f.FetchTimeout <= 0 {
		f.FetchTimeout = 10 * time.Second
	}
	if f.FetchAttempts <= 0 {
		f.FetchAttempts = 3
	}
	if f.FetchBackoff <= 0 {
		f.FetchBackoff = time.Second
	}
	if f.ActorCacheTTL <= 0 {
		f.ActorCacheTTL = 24 * time.Hour
	}
	if f.SignatureMaxSkew <= 0 {
		f.SignatureMaxSkew = 12 * time.Hour
	}
}

// BaseURL is the public origin of this instance, e.g. "https://rox.example".
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Conf.Scheme, c.Conf.SslDomain)
}
