// Package bus carries cost engine events between components.
package bus

import (
	"errors"
	"fmt"

	"github.com/beefsync/costengine/internal/domain"
)

// New creates an event bus based on configuration.
// Community tier gets a ChannelBus, Pro tier a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrBufferFull is returned when a subscriber could not take a message.
	ErrBufferFull = errors.New("subscriber buffer full")
)
