// Package logging builds the bridge's structured logger on log/slog.
//
// Every entry carries service=connector-bridge and the build version.
// Component returns a child tagged component=<name>; the bridge hands
// one to each subsystem (connector, transport, mqtt, api, refresh) so a
// line can be traced to its source:
//
//	log := logging.New(cfg.Logging, version)
//	engine.SetLogger(log.Component("connector"))
//
// Output is JSON by default and text when logging.format is "text".
// *Logger satisfies connector.Logger and mqtt.Logger.
//
// Never log the hub key, the session token or the derived access token.
package logging
