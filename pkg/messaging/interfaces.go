package messaging

import "context"

// Publisher delivers a serialized message to the broker
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
	IsConnected() bool
}
