// Package influxdb records blind telemetry in InfluxDB v2.
//
// Two measurements are written:
//   - blind_state, one point per state the bridge publishes, tagged by
//     mac, hub and variant (position as percent open, tilt, moving,
//     battery and signal strength when the motor reports them)
//   - connector_bridge, periodic engine and transport counters
//
// *Client satisfies connector.StateRecorder and is handed to the bridge
// as its Recorder. Writes go through the batching write API and never
// block the caller; batch failures arrive on the SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write", "error", err) })
package influxdb
