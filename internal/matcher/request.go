package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// RideInput is a passenger's ride request as received from the client.
// Distance, duration and price are computed upstream.
type RideInput struct {
	PassengerID   string               `json:"passenger_id"`
	Pickup        models.Place         `json:"pickup"`
	Destination   models.Place         `json:"destination"`
	Vehicle       models.VehicleType   `json:"vehicle"`
	MinCapacity   int                  `json:"min_capacity"`
	Price         int64                `json:"price"`
	Kind          models.RideKind      `json:"kind"`
	ScheduledAt   *time.Time           `json:"scheduled_at,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	RadiusKm      float64              `json:"radius_km,omitempty"`
}

type RequestResult struct {
	Ride    *models.RideRequest `json:"ride"`
	Outcome Outcome             `json:"outcome"`
}

func (s *Service) validate(in *RideInput) error {
	const op = "request"
	if in.PassengerID == "" {
		return apperr.Validation(op, "passenger is required")
	}
	if !in.Pickup.Loc.Valid() || !in.Destination.Loc.Valid() {
		return apperr.Validation(op, "invalid pickup or destination coordinates")
	}
	if !in.Vehicle.Valid() {
		return apperr.Validation(op, "unknown vehicle type %q", in.Vehicle)
	}
	if in.MinCapacity <= 0 {
		in.MinCapacity = 1
	}
	if in.Price < 0 {
		return apperr.Validation(op, "price must not be negative")
	}
	if in.RadiusKm < 0 {
		return apperr.Validation(op, "radius must not be negative")
	}
	if in.RadiusKm == 0 {
		in.RadiusKm = s.cfg.RadiusKm
	}
	switch in.Kind {
	case "":
		in.Kind = models.KindImmediate
	case models.KindImmediate:
	case models.KindScheduled:
		if in.ScheduledAt == nil || !in.ScheduledAt.After(s.now()) {
			return apperr.Validation(op, "scheduled ride needs a future scheduled_at")
		}
	default:
		return apperr.Validation(op, "unknown ride kind %q", in.Kind)
	}
	switch in.PaymentMethod {
	case "":
		in.PaymentMethod = models.PaymentCash
	case models.PaymentCash, models.PaymentCard:
	default:
		return apperr.Validation(op, "unknown payment method %q", in.PaymentMethod)
	}
	return nil
}

// RequestRide creates a PENDING ride and, for an immediate ride, broadcasts it
// to the eligible drivers. Finding no driver is an outcome, not an error.
func (s *Service) RequestRide(ctx context.Context, in RideInput) (RequestResult, error) {
	const op = "request"
	if err := s.validate(&in); err != nil {
		return RequestResult{}, err
	}
	var customerID string
	if s.accounts != nil {
		acct, err := s.accounts.Lookup(ctx, in.PassengerID)
		if errors.Is(err, accounts.ErrNotFound) {
			return RequestResult{}, apperr.NotFound(op, "passenger %s", in.PassengerID)
		}
		if err != nil {
			return RequestResult{}, fmt.Errorf("%s: lookup passenger: %w", op, err)
		}
		if acct.Role != models.RolePassenger || acct.Suspended {
			return RequestResult{}, apperr.Authorization(op, "account %s may not request rides", in.PassengerID)
		}
		customerID = acct.CustomerID
	}
	busy, err := s.store.HasActiveByPassenger(ctx, in.PassengerID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("%s: active rides: %w", op, err)
	}
	if busy {
		return RequestResult{}, apperr.Conflict(op, "passenger %s already has a ride in progress", in.PassengerID)
	}

	now := s.now()
	r := &models.RideRequest{
		ID:          uuid.NewString(),
		PassengerID: in.PassengerID,
		Pickup:      in.Pickup,
		Destination: in.Destination,
		Vehicle:     in.Vehicle,
		MinCapacity: in.MinCapacity,
		Price:       in.Price,
		Status:      models.StatusPending,
		Kind:        in.Kind,
		ScheduledAt: in.ScheduledAt,
		Payment:     models.Payment{Method: in.PaymentMethod, Status: models.PaymentPending},
		RadiusKm:    in.RadiusKm,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.Payment.Method == models.PaymentCard && s.payments != nil {
		intent, err := s.payments.Hold(ctx, r.Price, s.cfg.Currency, customerID)
		if err != nil {
			observability.PaymentsTotal.WithLabelValues("hold", "error").Inc()
			return RequestResult{}, fmt.Errorf("%s: payment hold: %w", op, err)
		}
		observability.PaymentsTotal.WithLabelValues("hold", "ok").Inc()
		r.Payment.Status, r.Payment.IntentID = models.PaymentHeld, intent
	}
	if err := s.store.Create(ctx, r); err != nil {
		s.releaseHold(ctx, r)
		if errors.Is(err, storage.ErrPassengerActive) {
			return RequestResult{}, apperr.Conflict(op, "passenger %s already has a ride in progress", in.PassengerID)
		}
		return RequestResult{}, fmt.Errorf("%s: create ride: %w", op, err)
	}
	observability.RidesRequested.WithLabelValues(string(r.Kind)).Inc()
	s.logger.Info("ride_requested", "ride_id", r.ID, "passenger_id", r.PassengerID, "kind", r.Kind, "vehicle", r.Vehicle)

	if r.Kind == models.KindScheduled {
		return RequestResult{Ride: r, Outcome: OutcomeScheduled}, nil
	}
	got, outcome, err := s.Broadcast(ctx, r.ID)
	if err != nil {
		return RequestResult{}, err
	}
	return RequestResult{Ride: got, Outcome: outcome}, nil
}

// View returns the authoritative state of a ride to one of its parties, after
// expiring overdue offers.
func (s *Service) View(ctx context.Context, rideID string, actor ride.Actor) (*models.RideRequest, error) {
	const op = "view"
	r, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range r.Offers {
		if r.Offers[i].Overdue(now) {
			if r, err = s.ExpireOffers(ctx, rideID); err != nil {
				return nil, err
			}
			break
		}
	}
	switch {
	case actor.Role == models.RoleSystem:
	case actor.Role == models.RolePassenger && actor.ID == r.PassengerID:
	case actor.Role == models.RoleDriver && (actor.ID == r.DriverID || r.OfferFor(actor.ID) != nil):
	default:
		return nil, apperr.Authorization(op, "%s may not view ride %s", actor.ID, rideID)
	}
	return r, nil
}

// releaseHold cancels the hold of a ride that was never stored.
func (s *Service) releaseHold(ctx context.Context, r *models.RideRequest) {
	if r.Payment.Status != models.PaymentHeld || s.payments == nil {
		return
	}
	if err := s.payments.Cancel(ctx, r.Payment.IntentID); err != nil {
		observability.PaymentsTotal.WithLabelValues("cancel", "error").Inc()
		s.logger.Error("orphan hold not released", "ride_id", r.ID, "intent_id", r.Payment.IntentID, "error", err)
		return
	}
	observability.PaymentsTotal.WithLabelValues("cancel", "ok").Inc()
}
