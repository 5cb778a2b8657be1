// Package ids generates the router-chosen identifiers used throughout the
// registry and signaling layers: transport, producer, consumer and stream
// ids.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh random identifier, suitable for transports, producers
// and consumers where no human-readable structure is required.
func New() string {
	return uuid.NewString()
}

// StreamID builds the router's stream identifier from the owning transport
// id and the wall-clock instant of synthesis, matching the
// "stream-<transportId>-<epochMs>" scheme used for stream record creation.
func StreamID(transportID string, at time.Time) string {
	return fmt.Sprintf("stream-%s-%d", transportID, at.UnixMilli())
}
