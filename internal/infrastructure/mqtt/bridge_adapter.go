package mqtt

// BridgeAdapter adapts Client to the MQTTClient interface of protocol
// bridges, whose handlers return nothing and whose Disconnect takes a
// quiesce period.
type BridgeAdapter struct {
	client *Client
}

// NewBridgeAdapter wraps client.
func NewBridgeAdapter(client *Client) *BridgeAdapter {
	return &BridgeAdapter{client: client}
}

// Publish sends payload to topic.
func (a *BridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe registers handler for topic. Handler panics are recovered by
// the client.
func (a *BridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	if handler == nil {
		return a.client.Subscribe(topic, qos, nil)
	}
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected reports the client connection state.
func (a *BridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect is a no-op: the client is owned by the process and closed
// after every bridge has stopped.
func (a *BridgeAdapter) Disconnect(_ uint) {}
