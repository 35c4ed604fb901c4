package dispatch

import (
	"context"
	"time"
)

type EventType string

const (
	EventOfferReceived      EventType = "offer_received"
	EventAccepted           EventType = "accepted"
	EventAlreadyTaken       EventType = "already_taken"
	EventOfferExpired       EventType = "offer_expired"
	EventOfferDeclined      EventType = "offer_declined"
	EventOfferRetracted     EventType = "offer_retracted"
	EventStillSearching     EventType = "still_searching"
	EventNoDriver           EventType = "no_driver_available"
	EventEnRoute            EventType = "driver_en_route"
	EventArrived            EventType = "driver_arrived"
	EventTripStarted        EventType = "trip_started"
	EventPosition           EventType = "position_update"
	EventTripCompleted      EventType = "trip_completed"
	EventCancelled          EventType = "cancelled"
	EventDriverDisconnected EventType = "driver_disconnected"
)

type Event struct {
	Type    EventType `json:"type"`
	RideID  string    `json:"ride_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

func NewEvent(t EventType, rideID string, payload any) Event {
	return Event{Type: t, RideID: rideID, Payload: payload, At: time.Now()}
}

// Audience names the channel an event was fanned out on.
type Audience string

const (
	AudienceUser Audience = "user"
	AudiencePool Audience = "pool"
	AudienceRide Audience = "ride"
)

// Envelope is an event plus where it went, as mirrored to event sinks.
type Envelope struct {
	Event
	Audience   Audience `json:"audience"`
	Recipients []string `json:"recipients,omitempty"`
}

// Sink receives a copy of every fanned-out event (Kafka, RabbitMQ).
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
}

// Notifier is the fan-out surface the dispatch core talks to.
type Notifier interface {
	ToUser(ctx context.Context, userID string, ev Event)
	ToPool(ctx context.Context, ev Event)
	ToRide(ctx context.Context, rideID string, ev Event)
	JoinRide(rideID string, userIDs ...string)
	LeaveRide(rideID string)
}
