// Package config provides environment-based configuration.
//
// Loads from .env file (godotenv), maps to Config struct via go-simpler/env struct tags.
// Validates the identity URL, heartbeat settings, connection limits and the optional Redis URL.
package config
