package session

// One connected client's outbound queue. The engine never blocks on a slow
// client; it disconnects it instead.
type Client struct {
	ID string

	send      chan []byte
	closeSlow func()
}

const clientMessageLimit = 16

func NewClient(id string, closeSlow func()) *Client {
	return &Client{
		ID:        id,
		send:      make(chan []byte, clientMessageLimit),
		closeSlow: closeSlow,
	}
}

// Receive exposes the messages queued for delivery to this client.
func (c *Client) Receive() <-chan []byte {
	return c.send
}
