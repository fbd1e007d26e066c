// Package stream delivers verified pixel events to live dashboard connections.
package stream

import (
	"time"

	"github.com/Aidin1998/pixelverify/pkg/models"
)

// MessageType is the kind of a message written to a live client
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeEvent     MessageType = "event"
	TypeError     MessageType = "error"
	TypeHeartbeat MessageType = "heartbeat"
)

// Message is one frame of the live feed
type Message struct {
	Type         MessageType                     `json:"type"`
	ConnectionID string                          `json:"connection_id,omitempty"`
	Event        *models.VerificationEventResult `json:"event,omitempty"`
	Error        string                          `json:"error,omitempty"`
	Timestamp    time.Time                       `json:"timestamp"`
}

// Event is the envelope published on a shop's live channel. CreatedAt is the
// receipt's created_at, the same clock the poll cursor uses.
type Event struct {
	ID        string                         `json:"id"`
	ShopID    string                         `json:"shop_id"`
	Platform  string                         `json:"platform"`
	CreatedAt time.Time                      `json:"created_at"`
	Result    models.VerificationEventResult `json:"result"`
}

// Sink is the outgoing half of a live connection
type Sink interface {
	// Send writes one message. Any error is fatal for the connection.
	Send(msg Message) error
	// Done is closed when the client goes away
	Done() <-chan struct{}
	Close() error
}
