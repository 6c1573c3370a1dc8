// Package config handles configuration loading for coven-witness.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file is a valid config.
//
// # Configuration File
//
// Default location:
//
//  1. Path from COVEN_WITNESS_CONFIG environment variable
//  2. ~/.config/coven/witness.yaml
//
// Files ending in .toml are decoded with BurntSushi/toml; anything else with
// gopkg.in/yaml.v3. Section and key names are identical in both formats.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  challenge_ttl: "60s"
//	  token_ttl: "1h"
//	keys:
//	  rotation_interval: "720h"
//	  grace_period: "25h"
//
// # Validation
//
// Load() validates:
//
//   - database driver and path
//   - keys.grace_period is at least auth.token_ttl, so a token never outlives
//     every key that can verify it
//   - rate limit backend, with redis_addr required for redis
//   - reputation_alpha and min_reputation ranges
//   - logging format
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Template() returns a commented YAML file with every default, used by
// "coven-witness init".
package config
