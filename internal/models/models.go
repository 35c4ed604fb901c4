package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate pair.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Address string `json:"address,omitempty"`
	Loc     Coord  `json:"loc"`
}

type VehicleType string

const (
	VehicleEconomy VehicleType = "ECONOMY"
	VehicleComfort VehicleType = "COMFORT"
	VehicleXL      VehicleType = "XL"
	VehicleMoto    VehicleType = "MOTO"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleEconomy, VehicleComfort, VehicleXL, VehicleMoto:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusPending    RideStatus = "PENDING"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusEnRoute    RideStatus = "EN_ROUTE"
	StatusArrived    RideStatus = "ARRIVED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RideKind string

const (
	KindImmediate RideKind = "IMMEDIATE"
	KindScheduled RideKind = "SCHEDULED"
)

type OfferStatus string

const (
	OfferSent     OfferStatus = "SENT"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
)

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleSystem    Role = "system"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "CASH"
	PaymentCard PaymentMethod = "CARD"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentHeld     PaymentStatus = "HELD"
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentReleased PaymentStatus = "RELEASED"
	PaymentFailed   PaymentStatus = "FAILED"
)

type Payment struct {
	Method   PaymentMethod `json:"method"`
	Status   PaymentStatus `json:"status"`
	IntentID string        `json:"intent_id,omitempty"`
}

type Cancellation struct {
	By      Role      `json:"by"`
	ActorID string    `json:"actor_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

type Offer struct {
	DriverID    string        `json:"driver_id"`
	Status      OfferStatus   `json:"status"`
	Round       int           `json:"round"`
	DistanceKm  float64       `json:"distance_km"`
	ETASeconds  float64       `json:"eta_seconds"`
	SentAt      time.Time     `json:"sent_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
}

// Overdue reports whether a SENT offer has passed its expiry at now.
func (o *Offer) Overdue(now time.Time) bool {
	return o.Status == OfferSent && !now.Before(o.ExpiresAt)
}

type TripSummary struct {
	DriverID   string        `json:"driver_id"`
	Duration   time.Duration `json:"duration"`
	DistanceKm float64       `json:"distance_km"`
	Price      int64         `json:"price"`
	FinishedAt time.Time     `json:"finished_at"`
}

type RideEvent struct {
	From    RideStatus `json:"from"`
	To      RideStatus `json:"to"`
	Actor   Role       `json:"actor"`
	ActorID string     `json:"actor_id,omitempty"`
	At      time.Time  `json:"at"`
}

type RideRequest struct {
	ID               string        `json:"id"`
	PassengerID      string        `json:"passenger_id"`
	DriverID         string        `json:"driver_id,omitempty"`
	Pickup           Place         `json:"pickup"`
	Destination      Place         `json:"destination"`
	Vehicle          VehicleType   `json:"vehicle"`
	MinCapacity      int           `json:"min_capacity"`
	Price            int64         `json:"price"`
	Status           RideStatus    `json:"status"`
	Version          int           `json:"version"`
	Kind             RideKind      `json:"kind"`
	ScheduledAt      *time.Time    `json:"scheduled_at,omitempty"`
	Payment          Payment       `json:"payment"`
	Cancellation     *Cancellation `json:"cancellation,omitempty"`
	AttributionRound int           `json:"attribution_round"`
	RadiusKm         float64       `json:"radius_km"`
	Offers           []Offer       `json:"offers"`
	Events           []RideEvent   `json:"events,omitempty"`
	Summary          *TripSummary  `json:"summary,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (r *RideRequest) Clone() *RideRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Offers = append([]Offer(nil), r.Offers...)
	cp.Events = append([]RideEvent(nil), r.Events...)
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		cp.ScheduledAt = &t
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		cp.Cancellation = &c
	}
	if r.Summary != nil {
		s := *r.Summary
		cp.Summary = &s
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	for i := range cp.Offers {
		if r.Offers[i].RespondedAt != nil {
			t := *r.Offers[i].RespondedAt
			cp.Offers[i].RespondedAt = &t
		}
	}
	return &cp
}

// OfferFor returns the most recent offer made to driverID, or nil.
func (r *RideRequest) OfferFor(driverID string) *Offer {
	for i := len(r.Offers) - 1; i >= 0; i-- {
		if r.Offers[i].DriverID == driverID {
			return &r.Offers[i]
		}
	}
	return nil
}

// OutstandingOffers counts offers still SENT.
func (r *RideRequest) OutstandingOffers() int {
	n := 0
	for _, o := range r.Offers {
		if o.Status == OfferSent {
			n++
		}
	}
	return n
}

// DriverPresence is the live view of a connected driver.
type DriverPresence struct {
	DriverID    string          `json:"driver_id"`
	Conn        string          `json:"conn"`
	Online      bool            `json:"online"`
	Loc         *Coord          `json:"loc,omitempty"`
	Heading     float64         `json:"heading"`
	SpeedKmh    float64         `json:"speed_kmh"`
	Vehicle     VehicleType     `json:"vehicle"`
	Capacity    int             `json:"capacity"`
	ActiveRides map[string]bool `json:"active_rides,omitempty"`
	Busy        bool            `json:"busy"`
	ConnectedAt time.Time       `json:"connected_at"`
	Updated     time.Time       `json:"updated"`
}

// PositionPing is a driver position heartbeat, optionally scoped to a ride.
type PositionPing struct {
	DriverID string    `json:"driver_id"`
	RideID   string    `json:"ride_id,omitempty"`
	Loc      Coord     `json:"loc"`
	Heading  float64   `json:"heading"`
	SpeedKmh float64   `json:"speed_kmh"`
	At       time.Time `json:"at"`
}

// Candidate is an eligible driver ranked by distance to the pickup.
type Candidate struct {
	DriverID   string      `json:"driver_id"`
	Conn       string      `json:"-"`
	Loc        Coord       `json:"loc"`
	DistanceKm float64     `json:"distance_km"`
	Vehicle    VehicleType `json:"vehicle"`
	Capacity   int         `json:"capacity"`
}
