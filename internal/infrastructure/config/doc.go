// Package config loads the Connector bridge configuration.
//
// Values come from three layers, later ones winning:
//  1. Built-in defaults (multicast group 238.0.0.18, health every 30s, ...)
//  2. The YAML file passed with --config
//  3. GRAYLOGIC_* environment variables, for example
//     GRAYLOGIC_CONNECTOR_KEY and GRAYLOGIC_CONNECTOR_HOSTS
//
// Validate checks what every command needs. ValidateRun additionally
// requires the hub key and at least one host, and is only applied by the
// long-running bridge; the token and version commands work without them.
//
// The hub key is a secret. Keep it in the environment or a .env file
// rather than in config.yaml; ConnectorConfig redacts it when printed or
// encoded as JSON.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Connector.ValidateRun(); err != nil {
//	    return err
//	}
package config
