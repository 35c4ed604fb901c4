package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

// Outcome is what a broadcast round produced, as shown to the passenger.
type Outcome string

const (
	OutcomeSearching Outcome = "searching"
	OutcomeNoDriver  Outcome = "no_driver_available"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeAssigned  Outcome = "assigned"
)

// OfferPayload is what a candidate driver sees in offer_received.
type OfferPayload struct {
	RideID      string             `json:"ride_id"`
	Pickup      models.Place       `json:"pickup"`
	Destination models.Place       `json:"destination"`
	Vehicle     models.VehicleType `json:"vehicle"`
	Price       int64              `json:"price"`
	Round       int                `json:"round"`
	DistanceKm  float64            `json:"distance_km"`
	ETASeconds  float64            `json:"eta_seconds"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// DriverInfo is the winning driver as announced to the passenger.
type DriverInfo struct {
	DriverID   string             `json:"driver_id"`
	Vehicle    models.VehicleType `json:"vehicle,omitempty"`
	Loc        *models.Coord      `json:"loc,omitempty"`
	DistanceKm float64            `json:"distance_km"`
	ETASeconds float64            `json:"eta_seconds"`
}

type AcceptedPayload struct {
	Ride   *models.RideRequest `json:"ride"`
	Driver DriverInfo          `json:"driver"`
}

type SearchPayload struct {
	Outstanding int `json:"outstanding"`
	Round       int `json:"round"`
}

// Broadcast runs a new offer round for a pending ride with no outstanding
// offer. It is used for due scheduled rides and by the retry path.
func (s *Service) Broadcast(ctx context.Context, rideID string) (*models.RideRequest, Outcome, error) {
	const op = "broadcast"
	var outcome Outcome
	r, err := s.machine.Update(ctx, op, rideID, func(tx *ride.Tx) error {
		if tx.Ride.Status != models.StatusPending {
			return apperr.Conflict(op, "ride %s is %s", rideID, tx.Ride.Status)
		}
		if tx.Ride.OutstandingOffers() > 0 {
			return apperr.Conflict(op, "ride %s still has outstanding offers", rideID)
		}
		if tx.Ride.AttributionRound == 0 {
			tx.Ride.AttributionRound = 1
		}
		var err error
		outcome, err = s.round(ctx, tx)
		return err
	})
	return r, outcome, err
}

// Rebroadcast is the passenger-triggered retry after a round ended without a
// driver. It starts a new attribution round, asking the Escalator for a new
// radius.
func (s *Service) Rebroadcast(ctx context.Context, rideID, passengerID string) (*models.RideRequest, Outcome, error) {
	const op = "rebroadcast"
	var outcome Outcome
	r, err := s.machine.Update(ctx, op, rideID, func(tx *ride.Tx) error {
		if tx.Ride.PassengerID != passengerID {
			return apperr.Authorization(op, "%s may not retry ride %s", passengerID, rideID)
		}
		if tx.Ride.Status != models.StatusPending {
			return apperr.Conflict(op, "ride %s is %s", rideID, tx.Ride.Status)
		}
		if tx.Ride.OutstandingOffers() > 0 {
			return apperr.Conflict(op, "ride %s is still searching", rideID)
		}
		if radius, ok := s.escalator.Escalate(tx.Ride); ok && radius > 0 {
			tx.Ride.RadiusKm = radius
		}
		tx.Ride.AttributionRound++
		var err error
		outcome, err = s.round(ctx, tx)
		return err
	})
	return r, outcome, err
}

// round selects candidates for tx.Ride and offers it to them.
func (s *Service) round(ctx context.Context, tx *ride.Tx) (Outcome, error) {
	r := tx.Ride
	cands, err := s.selector.FindEligible(ctx, r.Pickup.Loc, r.Vehicle, r.MinCapacity, r.RadiusKm)
	if err != nil {
		return "", err
	}
	declined := make(map[string]bool)
	for _, o := range r.Offers {
		if o.Status == models.OfferDeclined {
			declined[o.DriverID] = true
		}
	}
	kept := cands[:0]
	for _, c := range cands {
		if !declined[c.DriverID] {
			kept = append(kept, c)
		}
	}
	if len(kept) > s.cfg.MaxCandidates {
		kept = kept[:s.cfg.MaxCandidates]
	}
	return s.offer(ctx, tx, kept, s.cfg.OfferTTL), nil
}

// offer creates one SENT offer per candidate with a shared expiry and queues
// the notifications. No candidates means no driver available.
func (s *Service) offer(ctx context.Context, tx *ride.Tx, cands []models.Candidate, ttl time.Duration) Outcome {
	r := tx.Ride
	rideID, passengerID, round := r.ID, r.PassengerID, r.AttributionRound
	if len(cands) == 0 {
		tx.After(func(ctx context.Context) {
			observability.NoDriverTotal.Inc()
			s.notify.ToUser(ctx, passengerID, dispatch.NewEvent(dispatch.EventNoDriver, rideID, SearchPayload{Round: round}))
			s.logger.Info("no_driver_available", "ride_id", rideID, "round", round)
		})
		return OutcomeNoDriver
	}

	now := s.now()
	expires := now.Add(ttl)
	payloads := make([]OfferPayload, 0, len(cands))
	for _, c := range cands {
		secs := s.eta.Seconds(ctx, c.Loc, r.Pickup.Loc)
		r.Offers = append(r.Offers, models.Offer{
			DriverID:   c.DriverID,
			Status:     models.OfferSent,
			Round:      round,
			DistanceKm: c.DistanceKm,
			ETASeconds: secs,
			SentAt:     now,
			ExpiresAt:  expires,
		})
		payloads = append(payloads, OfferPayload{
			RideID:      rideID,
			Pickup:      r.Pickup,
			Destination: r.Destination,
			Vehicle:     r.Vehicle,
			Price:       r.Price,
			Round:       round,
			DistanceKm:  c.DistanceKm,
			ETASeconds:  secs,
			ExpiresAt:   expires,
		})
	}
	tx.After(func(ctx context.Context) {
		for i, c := range cands {
			s.notify.ToUser(ctx, c.DriverID, dispatch.NewEvent(dispatch.EventOfferReceived, rideID, payloads[i]))
		}
		observability.OffersSent.Add(float64(len(cands)))
		s.notify.ToUser(ctx, passengerID, dispatch.NewEvent(dispatch.EventStillSearching, rideID, SearchPayload{Outstanding: len(cands), Round: round}))
		s.logger.Info("offers_sent", "ride_id", rideID, "round", round, "candidates", len(cands))
	})
	return OutcomeSearching
}

// Accept resolves the race for rideID. Exactly one driver wins: the Dispatch
// Lock is taken with a single compare-and-set, then the ride is re-validated
// as PENDING with a live offer for that driver before it is assigned.
func (s *Service) Accept(ctx context.Context, rideID, driverID, conn string) (*models.RideRequest, error) {
	const op = "accept"
	r, err := s.accept(ctx, rideID, driverID, conn)
	observability.AcceptsTotal.WithLabelValues(acceptOutcome(err)).Inc()
	if errors.Is(err, errOfferExpired) {
		// lazy expiry: the offer was seen overdue, make it so for everyone
		if _, xerr := s.ExpireOffers(ctx, rideID); xerr != nil && !apperr.Handled(xerr) {
			s.logger.Error("lazy expiry failed", "ride_id", rideID, "error", xerr)
		}
		return nil, apperr.Conflict(op, "offer for ride %s has expired", rideID)
	}
	return r, err
}

var errOfferExpired = errors.New("offer expired")

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, errOfferExpired):
		return "expired"
	default:
		return apperr.Code(err)
	}
}

func (s *Service) accept(ctx context.Context, rideID, driverID, conn string) (*models.RideRequest, error) {
	const op = "accept"
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation(op, "ride and driver are required")
	}
	// the capacity slot is taken before the lock so one driver cannot win two
	// rides through concurrent accepts
	reserved, err := s.presence.Reserve(driverID, conn, rideID)
	if err != nil {
		return nil, err
	}
	unreserve := func() {
		if reserved {
			s.presence.ReleaseRide(driverID, rideID)
		}
	}
	if _, err := s.machine.Get(ctx, rideID); err != nil {
		unreserve()
		return nil, err
	}

	won, err := s.locks.Acquire(ctx, rideID, driverID, conn)
	if err != nil {
		unreserve()
		return nil, fmt.Errorf("%s: dispatch lock %s: %w", op, rideID, err)
	}
	if !won {
		unreserve()
		return nil, apperr.Conflict(op, "ride %s already taken", rideID)
	}
	undone := false
	undo := func(ctx context.Context) {
		if undone {
			return
		}
		undone = true
		if _, err := s.locks.ReleaseOwned(ctx, rideID, driverID); err != nil {
			s.logger.Error("lock release failed", "ride_id", rideID, "driver_id", driverID, "error", err)
		}
		unreserve()
	}

	var info DriverInfo
	var losers []string
	r, err := s.machine.Update(ctx, op, rideID, func(tx *ride.Tx) error {
		tx.OnAbort(undo)
		r := tx.Ride
		if r.Status != models.StatusPending {
			return apperr.Conflict(op, "ride %s is no longer available", rideID)
		}
		o := r.OfferFor(driverID)
		if o == nil {
			return apperr.NotFound(op, "no offer for driver %s on ride %s", driverID, rideID)
		}
		now := s.now()
		if o.Overdue(now) {
			return errOfferExpired
		}
		if o.Status != models.OfferSent {
			return apperr.Conflict(op, "offer for driver %s is %s", driverID, o.Status)
		}
		if err := tx.Move(models.StatusAccepted, ride.Driver(driverID)); err != nil {
			return err
		}
		r.DriverID = driverID
		o.Status = models.OfferAccepted
		o.RespondedAt = &now
		o.Latency = now.Sub(o.SentAt)
		latency := o.Latency
		info = DriverInfo{DriverID: driverID, DistanceKm: o.DistanceKm, ETASeconds: o.ETASeconds}
		for i := range r.Offers {
			if r.Offers[i].Status == models.OfferSent {
				r.Offers[i].Status = models.OfferExpired
				losers = append(losers, r.Offers[i].DriverID)
			}
		}

		snapshot := r.Clone()
		tx.After(func(ctx context.Context) {
			s.presence.AssignRide(driverID, rideID)
			if p, ok := s.presence.Driver(driverID); ok {
				info.Vehicle, info.Loc = p.Vehicle, p.Loc
			}
			s.notify.JoinRide(rideID, snapshot.PassengerID, driverID)
			s.notify.ToUser(ctx, snapshot.PassengerID, dispatch.NewEvent(dispatch.EventAccepted, rideID, AcceptedPayload{Ride: snapshot, Driver: info}))
			s.notify.ToUser(ctx, driverID, dispatch.NewEvent(dispatch.EventAccepted, rideID, snapshot))
			for _, d := range losers {
				s.notify.ToUser(ctx, d, dispatch.NewEvent(dispatch.EventAlreadyTaken, rideID, nil))
			}
			s.notify.ToPool(ctx, dispatch.NewEvent(dispatch.EventOfferRetracted, rideID, nil))
			observability.OffersExpired.Add(float64(len(losers)))
			observability.AcceptLatency.Observe(latency.Seconds())
			s.logger.Info("ride_accepted", "ride_id", rideID, "driver_id", driverID, "latency_ms", latency.Milliseconds(), "expired_offers", len(losers))
		})
		return nil
	})
	if err != nil {
		undo(ctx)
	}
	return r, err
}

// Decline records that driverID refused the offer. Declining a ride that is no
// longer pending changes nothing and returns its current state.
func (s *Service) Decline(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	const op = "decline"
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation(op, "ride and driver are required")
	}
	return s.machine.Update(ctx, op, rideID, func(tx *ride.Tx) error {
		r := tx.Ride
		if r.Status != models.StatusPending {
			tx.Skip()
			return nil
		}
		o := r.OfferFor(driverID)
		if o == nil {
			return apperr.NotFound(op, "no offer for driver %s on ride %s", driverID, rideID)
		}
		if o.Status != models.OfferSent {
			return apperr.Conflict(op, "offer for driver %s is %s", driverID, o.Status)
		}
		now := s.now()
		o.Status = models.OfferDeclined
		o.RespondedAt = &now
		o.Latency = now.Sub(o.SentAt)

		passengerID := r.PassengerID
		outstanding, round := r.OutstandingOffers(), r.AttributionRound
		tx.After(func(ctx context.Context) {
			observability.OffersDeclined.Inc()
			s.notify.ToUser(ctx, driverID, dispatch.NewEvent(dispatch.EventOfferDeclined, rideID, nil))
			s.logger.Info("offer_declined", "ride_id", rideID, "driver_id", driverID, "outstanding", outstanding)
		})
		if outstanding > 0 {
			tx.After(func(ctx context.Context) {
				s.notify.ToUser(ctx, passengerID, dispatch.NewEvent(dispatch.EventStillSearching, rideID, SearchPayload{Outstanding: outstanding, Round: round}))
			})
			return nil
		}
		return s.exhausted(ctx, tx)
	})
}

// ExpireOffers marks every overdue SENT offer of a pending ride EXPIRED.
func (s *Service) ExpireOffers(ctx context.Context, rideID string) (*models.RideRequest, error) {
	const op = "expire"
	return s.machine.Update(ctx, op, rideID, func(tx *ride.Tx) error {
		r := tx.Ride
		if r.Status != models.StatusPending {
			tx.Skip()
			return nil
		}
		now := s.now()
		var expired []string
		for i := range r.Offers {
			if r.Offers[i].Overdue(now) {
				r.Offers[i].Status = models.OfferExpired
				expired = append(expired, r.Offers[i].DriverID)
			}
		}
		if len(expired) == 0 {
			tx.Skip()
			return nil
		}
		tx.After(func(ctx context.Context) {
			observability.OffersExpired.Add(float64(len(expired)))
			for _, d := range expired {
				s.notify.ToUser(ctx, d, dispatch.NewEvent(dispatch.EventOfferExpired, rideID, nil))
			}
			s.logger.Info("offers_expired", "ride_id", rideID, "count", len(expired))
		})
		if r.OutstandingOffers() > 0 {
			return nil
		}
		return s.exhausted(ctx, tx)
	})
}

// exhausted handles a round that ended with no offer outstanding: the
// Escalator may start another round, otherwise the passenger is told no
// driver is available.
func (s *Service) exhausted(ctx context.Context, tx *ride.Tx) error {
	r := tx.Ride
	if radius, ok := s.escalator.Escalate(r); ok {
		r.AttributionRound++
		if radius > 0 {
			r.RadiusKm = radius
		}
		_, err := s.round(ctx, tx)
		return err
	}
	s.offer(ctx, tx, nil, 0)
	return nil
}
