// Package connector implements the Connector window-covering protocol bridge
// for Gray Logic.
//
// Connector hubs control radio blinds and answer on a UDP multicast group.
// This package joins the group, discovers hubs and their blinds, keeps a live
// registry of blind state, and translates Gray Logic MQTT commands into hub
// requests.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   UDP multicast
//	│   Gray Logic    │   MQTT   │ Connector Bridge│   238.0.0.18
//	│      Core       │◄────────►│   (this pkg)    │◄────────────────► Hubs
//	└─────────────────┘          └─────────────────┘   :32100 / :32101
//
// Inside the bridge:
//
//   - Transport owns the socket and the receive goroutine
//   - Engine runs a single actor goroutine that applies inbound messages
//   - Registry holds hubs, blinds and the discovery queue
//   - discoveryCoordinator resolves sub-device details with bounded retries
//   - Bridge maps MQTT topics onto Engine commands and pushes state back
//
// # Discovery
//
// Start multicasts GetDeviceList. Each hub answers with a session token and
// its sub-devices. The access token sent with every later request is the
// session token encrypted with the pre-shared key (see DeriveAccessToken).
// Blinds are created from the detail acks that follow:
//
//	engine, err := connector.NewEngine(connector.EngineOptions{Key: key})
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	snap, err := engine.DeviceListReady(ctx, 0)
//
// # Positions
//
// Protocol positions run from 0 (open) to 100 (closed). The MQTT surface uses
// the Gray Logic convention of percent open and converts at the boundary.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Blind callbacks run on the engine's actor goroutine and may call back into
// the engine.
package connector
