package global

import (
	"fmt"
	"os"

	"github.com/go-redis/redis_rate/v10"
	"gopkg.in/yaml.v3"
)

// Conf global config
var Conf Config

// RateLimiter is the redis backed API rate limiter, set at startup
var RateLimiter *redis_rate.Limiter

type Config struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	Scheme     string           `yaml:"scheme"`
	Mode       string           `yaml:"mode"` // debug or release
	CouchDB    CouchDBConfig    `yaml:"couchdb"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Storage    StorageConfig    `yaml:"storage"`
	E2EE       E2EEConfig       `yaml:"e2ee"`
}

type CouchDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Scheme   string `yaml:"scheme"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type PrometheusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type StorageConfig struct {
	Type   string `yaml:"type"`
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// E2EEConfig configures the device-local encryption core
type E2EEConfig struct {
	// OwnerAccountID is the account this sidecar encrypts and decrypts for
	OwnerAccountID string `yaml:"ownerAccountId"`
	// KeyStorePath is the directory holding the encrypted key-pair record
	KeyStorePath string `yaml:"keyStorePath"`
	// KeyStoreSecret derives the at-rest encryption key for private key material
	KeyStoreSecret string `yaml:"keyStoreSecret"`
	// KeyStoreSaltHex salts the scrypt derivation of the at-rest key
	KeyStoreSaltHex string `yaml:"keyStoreSaltHex"`
	// DirectoryCacheTTLSeconds bounds staleness of cached peer public keys
	DirectoryCacheTTLSeconds int `yaml:"directoryCacheTtlSeconds"`
	// RewrapSweepCron is the cron expression for the stale-envelope sweep
	RewrapSweepCron string `yaml:"rewrapSweepCron"`
}

// LoadConfig reads the yaml configuration file into the global Conf
func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &Conf); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if Conf.Scheme == "" {
		Conf.Scheme = "http"
	}
	if Conf.Port == 0 {
		Conf.Port = 8080
	}
	if Conf.E2EE.DirectoryCacheTTLSeconds == 0 {
		Conf.E2EE.DirectoryCacheTTLSeconds = 120
	}
	if Conf.E2EE.RewrapSweepCron == "" {
		Conf.E2EE.RewrapSweepCron = "@every 1h"
	}
	return nil
}
