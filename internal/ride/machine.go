// Package ride owns the lifecycle of a ride request. Every mutation runs
// inside a per-ride critical section and is committed with a conditional
// update on the ride version, so concurrent events on the same ride apply in
// validation order and a stale writer always loses.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Actor is the identity performing a transition.
type Actor struct {
	ID   string      `json:"id"`
	Role models.Role `json:"role"`
}

func Driver(id string) Actor    { return Actor{ID: id, Role: models.RoleDriver} }
func Passenger(id string) Actor { return Actor{ID: id, Role: models.RolePassenger} }

var System = Actor{ID: "system", Role: models.RoleSystem}

// Load is the driver-side ride bookkeeping the machine releases on terminal
// states.
type Load interface {
	ReleaseRide(driverID, rideID string) bool
}

// PaymentGateway settles the hold placed when the ride was requested.
type PaymentGateway interface {
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
}

type Machine struct {
	store    storage.RideStore
	locks    lock.Locker
	load     Load
	notify   dispatch.Notifier
	payments PaymentGateway
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	guard map[string]*rideMutex
}

type rideMutex struct {
	sync.Mutex
	refs int
}

func NewMachine(store storage.RideStore, locks lock.Locker, load Load, notify dispatch.Notifier, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		locks:  locks,
		load:   load,
		notify: notify,
		logger: logger.With("component", "ride"),
		now:    time.Now,
		guard:  make(map[string]*rideMutex),
	}
}

func (m *Machine) WithPayments(p PaymentGateway) *Machine {
	m.payments = p
	return m
}

// WithClock replaces the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) Now() time.Time { return m.now() }

func (m *Machine) Store() storage.RideStore { return m.store }

func (m *Machine) Notifier() dispatch.Notifier { return m.notify }

func (m *Machine) acquire(rideID string) func() {
	m.mu.Lock()
	g, ok := m.guard[rideID]
	if !ok {
		g = &rideMutex{}
		m.guard[rideID] = g
	}
	g.refs++
	m.mu.Unlock()

	g.Lock()
	return func() {
		g.Unlock()
		m.mu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(m.guard, rideID)
		}
		m.mu.Unlock()
	}
}

// Tx is one read-modify-write of a ride. Hooks registered with After run once
// the change is committed, still inside the ride's critical section.
type Tx struct {
	Ride    *models.RideRequest
	m       *Machine
	skip    bool
	after   []func(ctx context.Context)
	onAbort []func(ctx context.Context)
}

// After queues fn to run after a successful commit.
func (tx *Tx) After(fn func(ctx context.Context)) { tx.after = append(tx.after, fn) }

// OnAbort queues fn to run when the transaction returns an error or fails to
// commit.
func (tx *Tx) OnAbort(fn func(ctx context.Context)) { tx.onAbort = append(tx.onAbort, fn) }

// Skip leaves the stored ride untouched; After hooks still run.
func (tx *Tx) Skip() { tx.skip = true }

// Move applies the status change and records it in the ride event log.
func (tx *Tx) Move(to models.RideStatus, actor Actor) error {
	from := tx.Ride.Status
	if !CanTransition(from, to) {
		return apperr.Conflict("transition", "ride %s cannot move from %s to %s", tx.Ride.ID, from, to)
	}
	tx.Ride.Status = to
	tx.Ride.Events = append(tx.Ride.Events, models.RideEvent{From: from, To: to, Actor: actor.Role, ActorID: actor.ID, At: tx.m.now()})
	tx.After(func(context.Context) { observability.TransitionsTotal.WithLabelValues(string(to)).Inc() })
	return nil
}

// Update loads rideID, hands a copy to fn and commits the result if the ride
// version did not move in the meantime.
func (m *Machine) Update(ctx context.Context, op, rideID string, fn func(tx *Tx) error) (*models.RideRequest, error) {
	if rideID == "" {
		return nil, apperr.Validation(op, "ride id is required")
	}
	release := m.acquire(rideID)
	defer release()

	current, err := m.store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound(op, "ride %s", rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load ride %s: %w", op, rideID, err)
	}
	tx := &Tx{Ride: current.Clone(), m: m}
	abort := func(err error) (*models.RideRequest, error) {
		for _, fn := range tx.onAbort {
			fn(ctx)
		}
		return nil, err
	}
	if err := fn(tx); err != nil {
		return abort(err)
	}
	if !tx.skip {
		tx.Ride.UpdatedAt = m.now()
		err := m.store.Update(ctx, tx.Ride, current.Version)
		if errors.Is(err, storage.ErrStale) {
			return abort(apperr.Conflict(op, "ride %s changed concurrently", rideID))
		}
		if err != nil {
			return abort(fmt.Errorf("%s: save ride %s: %w", op, rideID, err))
		}
	}
	for _, fn := range tx.after {
		fn(ctx)
	}
	return tx.Ride.Clone(), nil
}

// Get returns the stored ride.
func (m *Machine) Get(ctx context.Context, rideID string) (*models.RideRequest, error) {
	r, err := m.store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("get", "ride %s", rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", rideID, err)
	}
	return r, nil
}

// authorize checks actor against the rule for action on r.
func authorize(op string, r *models.RideRequest, action Action, actor Actor) error {
	rl := rules[action]
	switch rl.actor {
	case anyDriver:
		if actor.Role != models.RoleDriver {
			return apperr.Authorization(op, "only drivers may %s", action)
		}
	case ownerDriver:
		if actor.Role != models.RoleDriver || r.DriverID == "" || r.DriverID != actor.ID {
			return apperr.Authorization(op, "%s is not the driver of ride %s", actor.ID, r.ID)
		}
	case rideParty:
		switch {
		case actor.Role == models.RoleSystem:
		case actor.Role == models.RolePassenger && actor.ID == r.PassengerID:
		case actor.Role == models.RoleDriver && r.DriverID != "" && actor.ID == r.DriverID:
		default:
			return apperr.Authorization(op, "%s may not %s ride %s", actor.ID, action, r.ID)
		}
	}
	return nil
}

func (m *Machine) check(op string, tx *Tx, action Action, actor Actor) error {
	if err := authorize(op, tx.Ride, action, actor); err != nil {
		return err
	}
	if !rules[action].allows(tx.Ride.Status) {
		return apperr.Conflict(op, "ride %s is %s", tx.Ride.ID, tx.Ride.Status)
	}
	return nil
}

func (m *Machine) Depart(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	return m.advance(ctx, rideID, ActionDepart, driverID, dispatch.EventEnRoute)
}

func (m *Machine) Arrive(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	return m.advance(ctx, rideID, ActionArrive, driverID, dispatch.EventArrived)
}

func (m *Machine) Start(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	return m.advance(ctx, rideID, ActionStart, driverID, dispatch.EventTripStarted)
}

func (m *Machine) advance(ctx context.Context, rideID string, action Action, driverID string, ev dispatch.EventType) (*models.RideRequest, error) {
	op := string(action)
	actor := Driver(driverID)
	return m.Update(ctx, op, rideID, func(tx *Tx) error {
		if err := m.check(op, tx, action, actor); err != nil {
			return err
		}
		to, _ := Target(action)
		if err := tx.Move(to, actor); err != nil {
			return err
		}
		if to == models.StatusInProgress {
			at := m.now()
			tx.Ride.StartedAt = &at
		}
		snapshot := tx.Ride.Clone()
		tx.After(func(ctx context.Context) {
			m.notify.ToRide(ctx, rideID, dispatch.NewEvent(ev, rideID, snapshot))
			m.logger.Info("ride_transition", "ride_id", rideID, "driver_id", driverID, "status", to)
		})
		return nil
	})
}

// Complete finishes an in-progress ride, records the trip summary and frees
// the driver.
func (m *Machine) Complete(ctx context.Context, rideID, driverID string) (*models.RideRequest, error) {
	const op = "complete"
	actor := Driver(driverID)
	return m.Update(ctx, op, rideID, func(tx *Tx) error {
		if err := m.check(op, tx, ActionComplete, actor); err != nil {
			return err
		}
		if err := tx.Move(models.StatusCompleted, actor); err != nil {
			return err
		}
		r := tx.Ride
		at := m.now()
		r.FinishedAt = &at
		r.Summary = summarize(r, at)
		m.settleAfterCommit(tx, true)
		m.releaseOnTerminal(tx)
		tx.After(func(ctx context.Context) {
			snapshot := tx.Ride.Clone()
			m.notify.ToRide(ctx, rideID, dispatch.NewEvent(dispatch.EventTripCompleted, rideID, snapshot))
			m.notify.LeaveRide(rideID)
			m.logger.Info("ride_completed", "ride_id", rideID, "driver_id", driverID, "duration", snapshot.Summary.Duration.String())
		})
		return nil
	})
}

// Cancel moves any non-terminal ride to CANCELLED. Outstanding offers expire,
// the Dispatch Lock and the driver's load are released and any payment hold is
// cancelled.
func (m *Machine) Cancel(ctx context.Context, rideID string, actor Actor, reason string) (*models.RideRequest, error) {
	const op = "cancel"
	return m.Update(ctx, op, rideID, func(tx *Tx) error {
		if err := m.check(op, tx, ActionCancel, actor); err != nil {
			return err
		}
		if err := tx.Move(models.StatusCancelled, actor); err != nil {
			return err
		}
		r := tx.Ride
		at := m.now()
		r.FinishedAt = &at
		r.Cancellation = &models.Cancellation{By: actor.Role, ActorID: actor.ID, At: at, Reason: reason}

		var retracted []string
		for i := range r.Offers {
			if r.Offers[i].Status == models.OfferSent {
				r.Offers[i].Status = models.OfferExpired
				retracted = append(retracted, r.Offers[i].DriverID)
			}
		}
		m.settleAfterCommit(tx, false)
		m.releaseOnTerminal(tx)

		tx.After(func(ctx context.Context) {
			snapshot := tx.Ride.Clone()
			observability.OffersExpired.Add(float64(len(retracted)))
			ev := dispatch.NewEvent(dispatch.EventCancelled, rideID, snapshot)
			m.notify.ToUser(ctx, snapshot.PassengerID, ev)
			if snapshot.DriverID != "" {
				m.notify.ToUser(ctx, snapshot.DriverID, ev)
			}
			for _, d := range retracted {
				m.notify.ToUser(ctx, d, dispatch.NewEvent(dispatch.EventOfferRetracted, rideID, nil))
			}
			m.notify.LeaveRide(rideID)
			m.logger.Info("ride_cancelled", "ride_id", rideID, "by", actor.Role, "actor_id", actor.ID, "retracted", len(retracted))
		})
		return nil
	})
}

// releaseOnTerminal frees the Dispatch Lock and the driver's busy flag once
// the ride commits a terminal status.
func (m *Machine) releaseOnTerminal(tx *Tx) {
	rideID, driverID := tx.Ride.ID, tx.Ride.DriverID
	tx.After(func(ctx context.Context) {
		if err := m.locks.Release(ctx, rideID); err != nil {
			m.logger.Error("lock release failed", "ride_id", rideID, "error", err)
		}
		if driverID != "" && m.load != nil {
			m.load.ReleaseRide(driverID, rideID)
		}
	})
}

// settleAfterCommit captures or cancels the payment hold once the terminal
// status is stored, then records the outcome on the ride. A transition that
// fails to commit never reaches the gateway.
func (m *Machine) settleAfterCommit(tx *Tx, capture bool) {
	p := tx.Ride.Payment
	if m.payments == nil || p.Status != models.PaymentHeld || p.IntentID == "" {
		return
	}
	tx.After(func(ctx context.Context) {
		status := m.settle(ctx, tx.Ride.ID, p.IntentID, capture)
		if err := m.recordPayment(ctx, tx.Ride, status); err != nil {
			m.logger.Error("payment status not saved", "ride_id", tx.Ride.ID, "intent_id", p.IntentID, "status", status, "error", err)
		}
	})
}

// settle calls the gateway. Failures are recorded as FAILED and never undo the
// transition.
func (m *Machine) settle(ctx context.Context, rideID, intentID string, capture bool) models.PaymentStatus {
	op, next := "cancel", models.PaymentReleased
	call := m.payments.Cancel
	if capture {
		op, next, call = "capture", models.PaymentCaptured, m.payments.Capture
	}
	if err := call(ctx, intentID); err != nil {
		m.logger.Error("payment "+op+" failed", "ride_id", rideID, "intent_id", intentID, "error", err)
		observability.PaymentsTotal.WithLabelValues(op, "error").Inc()
		return models.PaymentFailed
	}
	observability.PaymentsTotal.WithLabelValues(op, "ok").Inc()
	return next
}

// recordPayment stores the settled payment status with its own conditional
// update. r is the committed ride and is brought up to date on success.
func (m *Machine) recordPayment(ctx context.Context, r *models.RideRequest, status models.PaymentStatus) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var cur *models.RideRequest
		cur, err = m.store.Get(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Payment.IntentID != r.Payment.IntentID {
			return nil
		}
		cur.Payment.Status = status
		cur.UpdatedAt = m.now()
		err = m.store.Update(ctx, cur, cur.Version)
		if err == nil {
			r.Payment.Status = status
			r.Version, r.UpdatedAt = cur.Version, cur.UpdatedAt
			return nil
		}
		if !errors.Is(err, storage.ErrStale) {
			return err
		}
	}
	return err
}

func summarize(r *models.RideRequest, finished time.Time) *models.TripSummary {
	s := &models.TripSummary{
		DriverID:   r.DriverID,
		DistanceKm: geo.HaversineKm(r.Pickup.Loc, r.Destination.Loc),
		Price:      r.Price,
		FinishedAt: finished,
	}
	if r.StartedAt != nil {
		s.Duration = finished.Sub(*r.StartedAt)
	}
	return s
}
