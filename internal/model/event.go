package model

import "time"

// EventType names a notification for the presentation layer.
type EventType string

const (
	EventProposed        EventType = "proposed"
	EventOfferUpdated    EventType = "offer_updated"
	EventAccepted        EventType = "accepted"
	EventSettled         EventType = "settled"
	EventCancelled       EventType = "cancelled"
	EventExpired         EventType = "expired"
	EventCreated         EventType = "created"
	EventBidPlaced       EventType = "bid_placed"
	EventOutbid          EventType = "outbid"
	EventRefunded        EventType = "refunded"
	EventUnsold          EventType = "unsold"
	EventActivated       EventType = "activated"
	EventDeclined        EventType = "declined"
	EventResolved        EventType = "resolved"
	EventStarted         EventType = "started"
	EventInputRegistered EventType = "input_registered"
	EventSucceeded       EventType = "succeeded"
	EventFailed          EventType = "failed"
	EventVoided          EventType = "voided"
	EventExperience      EventType = "experience_awarded"
	EventReconciliation  EventType = "reconciliation_required"
)

// Event is a notification produced by a verb or by the scheduler. The core
// never formats user-facing text; Detail carries machine-readable extras.
type Event struct {
	Type     EventType         `json:"type"`
	RecordID string            `json:"record_id"`
	Kind     Kind              `json:"kind"`
	Users    []string          `json:"users,omitempty"`
	Amount   int64             `json:"amount,omitempty"`
	Items    Items             `json:"items,omitempty"`
	At       time.Time         `json:"at"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// NewEvent builds an event about rec addressed to users.
func NewEvent(typ EventType, rec Record, at time.Time, users ...string) Event {
	return Event{
		Type:     typ,
		RecordID: rec.ID,
		Kind:     rec.Kind,
		Users:    users,
		At:       at,
	}
}

// WithAmount sets the event's amount.
func (e Event) WithAmount(amount int64) Event {
	e.Amount = amount
	return e
}

// WithDetail adds a detail key.
func (e Event) WithDetail(key, value string) Event {
	d := make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		d[k] = v
	}
	d[key] = value
	e.Detail = d
	return e
}
