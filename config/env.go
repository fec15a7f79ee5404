package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables carrying secrets. These never appear in the YAML
// config or in logs.
const (
	EnvRelayAuthKey  = "RELAY_AUTH_KEY"
	EnvBundleBLSKey  = "BUNDLE_BLS_KEY"
	EnvFeedAuthToken = "FEED_AUTH_TOKEN"
)

// SecureConfig holds secrets resolved from the environment.
type SecureConfig struct {
	// RelayAuthKey is the hex ECDSA key signing relay request headers.
	RelayAuthKey string
	// BundleBLSKey is the hex BLS key signing outbound bundles.
	BundleBLSKey string
	// FeedAuthToken, when set, is sent as a bearer token on feed dials.
	FeedAuthToken string
}

// LoadEnv loads environment variables from a .env file when present.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadSecureConfig resolves secrets from the environment. The relay and
// bundle keys are mandatory; the feed token is optional.
func LoadSecureConfig() (*SecureConfig, error) {
	relayKey, err := GetRequiredEnv(EnvRelayAuthKey)
	if err != nil {
		return nil, err
	}
	blsKey, err := GetRequiredEnv(EnvBundleBLSKey)
	if err != nil {
		return nil, err
	}
	return &SecureConfig{
		RelayAuthKey:  relayKey,
		BundleBLSKey:  blsKey,
		FeedAuthToken: os.Getenv(EnvFeedAuthToken),
	}, nil
}

// GetEnvWithDefault gets an environment variable with a default value.
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetRequiredEnv gets an environment variable or errors when unset.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return value, nil
}
