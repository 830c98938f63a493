package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "anancus"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string `yaml:"host"`
		HttpPort        int    `yaml:"httpPort"`
		SslDomain       string `yaml:"sslDomain"`
		AutoTLS         bool   `yaml:"autoTls"`
		DatabaseURL     string `yaml:"databaseUrl"`
		NodeDescription string `yaml:"nodeDescription"`
		SignupAllowed   bool   `yaml:"signupAllowed"`
		MaxInboxBytes   int64  `yaml:"maxInboxBytes"`
		Concurrency     int    `yaml:"concurrency"`
		ConcurrencyPer  int    `yaml:"concurrencyPerModel"`
		ScheduleSecs    int    `yaml:"scheduleInterval"`
		LockExpirySecs  int    `yaml:"lockExpiry"`
		LivenessFile    string `yaml:"livenessFile"`
		BlockedRanges   string `yaml:"blockedRanges"`
		MediaDir        string `yaml:"mediaDir"`
		LogLevel        string `yaml:"logLevel"`
	}
}

// BaseURL returns the https origin this server federates as.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.SslDomain
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	buf, err := os.ReadFile(ConfigFileName)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", ConfigFileName)
		buf = embeddedConfig
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("ANANCUS_HOST")
	envHttpPort := os.Getenv("ANANCUS_HTTPPORT")
	envSslDomain := os.Getenv("ANANCUS_SSLDOMAIN")
	envAutoTLS := os.Getenv("ANANCUS_AUTO_TLS")
	envDatabaseURL := os.Getenv("ANANCUS_DATABASE_URL")
	envNodeDescription := os.Getenv("ANANCUS_NODE_DESCRIPTION")
	envSignupAllowed := os.Getenv("ANANCUS_SIGNUP_ALLOWED")
	envMaxInboxBytes := os.Getenv("ANANCUS_MAX_INBOX_BYTES")
	envConcurrency := os.Getenv("ANANCUS_CONCURRENCY")
	envMediaDir := os.Getenv("ANANCUS_MEDIA_DIR")
	envLogLevel := os.Getenv("ANANCUS_LOG_LEVEL")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			log.Printf("Error parsing ANANCUS_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = v
		}
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envAutoTLS == "true" {
		c.Conf.AutoTLS = true
	}

	if envDatabaseURL != "" {
		c.Conf.DatabaseURL = envDatabaseURL
	}

	if envNodeDescription != "" {
		c.Conf.NodeDescription = envNodeDescription
	}

	if envSignupAllowed == "true" {
		c.Conf.SignupAllowed = true
	}

	if envMaxInboxBytes != "" {
		v, err := strconv.ParseInt(envMaxInboxBytes, 10, 64)
		if err != nil {
			log.Printf("Error parsing ANANCUS_MAX_INBOX_BYTES: %v", err)
		} else {
			c.Conf.MaxInboxBytes = v
		}
	}

	if envConcurrency != "" {
		v, err := strconv.Atoi(envConcurrency)
		if err != nil {
			log.Printf("Error parsing ANANCUS_CONCURRENCY: %v", err)
		} else {
			c.Conf.Concurrency = v
		}
	}

	if envMediaDir != "" {
		c.Conf.MediaDir = envMediaDir
	}

	if envLogLevel != "" {
		c.Conf.LogLevel = envLogLevel
	}

	// Defaults for values not set in config or environment
	if c.Conf.MaxInboxBytes == 0 {
		c.Conf.MaxInboxBytes = 100 * 1024
	}
	if c.Conf.Concurrency == 0 {
		c.Conf.Concurrency = 30
	}
	if c.Conf.ConcurrencyPer == 0 {
		c.Conf.ConcurrencyPer = 15
	}
	if c.Conf.ScheduleSecs == 0 {
		c.Conf.ScheduleSecs = 60
	}
	if c.Conf.LockExpirySecs == 0 {
		c.Conf.LockExpirySecs = 300
	}
	if c.Conf.DatabaseURL == "" {
		c.Conf.DatabaseURL = Name + ".db"
	}

	return c, nil
}
