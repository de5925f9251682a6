// Package config provides application configuration management.
//
// The config package loads the service configuration from a YAML file and
// CODEGUARD_* environment variables, validates it, and converts the
// relevant sections into the settings of the validator, monitor and
// sandbox packages.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
