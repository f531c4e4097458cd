// Package mqtt connects the Connector bridge to the Gray Logic message bus.
//
// The bridge subscribes to command and request topics, and publishes blind
// state, command acks, discovery and health:
//
//	MQTT broker <-> mqtt.Client <-> connector.Bridge <-> UDP multicast <-> hubs
//
// The client wraps paho.mqtt.golang with:
//   - A bounded first connection, then background reconnect with backoff
//   - Subscription replay after every reconnect (sessions are clean)
//   - A retained last will, also published on Close, so subscribers to
//     the health topic see "offline" whether the process crashed or stopped
//   - Panic recovery around message handlers
//
// BridgeAdapter narrows Client to the connector.MQTTClient interface.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(connector.HealthTopic(), lwt),
//	    mqtt.WithLogger(log.Component("mqtt")))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bridge, err := connector.NewBridge(connector.BridgeOptions{
//	    Engine:     engine,
//	    MQTTClient: mqtt.NewBridgeAdapter(client),
//	})
//
// Use TLS (broker.tls) outside a trusted LAN; payloads are plain JSON.
package mqtt
