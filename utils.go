package amqpx

import (
	"fmt"

	"github.com/google/uuid"
)

// newConsumerTag generates a client-side consumer tag for subscriptions
// that did not request an explicit one, the same way amqp091-go itself
// generates one internally when a caller passes an empty consumer tag.
func newConsumerTag() string {
	return fmt.Sprintf("amqpx-ctag-%s", uuid.New().String())
}

// newAdminChannelName is used only for logging/metrics labeling of the
// throwaway administrative channel opened when no LogicalChannel is yet
// registered to declare connection-scoped topology against.
func newAdminChannelName() string {
	return fmt.Sprintf("amqpx-admin-%s", uuid.New().String())
}
