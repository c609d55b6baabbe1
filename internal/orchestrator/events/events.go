// Package events delivers orchestration state changes to observers. Delivery
// is one-way and best-effort: workflows publish and move on, and stay correct
// even if nothing is ever delivered.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Well-known event names published by the workflows.
const (
	TransferStarted   = "attended_transfer_started"
	TransferComplete  = "transfer_complete"
	TransferReceived  = "transfer_received"
	TransferCancelled = "transfer_cancelled"
	TransferExpired   = "transfer_expired"

	ConferenceInvited     = "conference_invited"
	ConferenceEstablished = "conference_established"
	ConferenceEnded       = "conference_ended"
	ConferenceLeft        = "conference_left"
	ConferenceCancelled   = "conference_cancelled"
	ConferenceExpired     = "conference_expired"

	MonitorStarted = "monitor_started"
	MonitorStopped = "monitor_stopped"
	MonitorHangup  = "monitor_hangup"
)

// Event is one orchestration state change addressed to an extension.
type Event struct {
	ID        string            `json:"id"`
	Extension string            `json:"extension"`
	Name      string            `json:"name"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`
}

// New builds an event addressed to extension.
func New(extension, name string, data map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Extension: extension,
		Name:      name,
		Data:      data,
		At:        time.Now().UTC(),
	}
}
