// Package api implements the bridge's HTTP diagnostics API.
//
// Endpoints under /api/v1:
//   - GET  /health                  engine connection state, error code and counters
//   - GET  /devices                 hubs, blinds and pending entries
//   - GET  /devices/{mac}           one blind
//   - POST /devices/{mac}/command   open, close, stop, set_position, set_tilt, refresh
//   - GET  /audit                   paginated audit trail
//
// Commands are validated exactly like the MQTT command topic and share its
// error codes. A 400 means nothing was sent to the hub; 202 means the
// datagram went out. The final position arrives later as a state update.
//
// The server binds on Start, so a port conflict surfaces immediately:
//
//	server, err := api.New(deps)
//	if err := server.Start(ctx); err != nil {
//	    return err
//	}
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
