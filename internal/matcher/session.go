package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Connect registers identity on conn. For a driver it restores the rides the
// driver is still assigned to and moves their Dispatch Locks onto conn. The
// connection the identity previously used, if any, is returned so the
// transport can close it.
func (s *Service) Connect(ctx context.Context, conn string, id presence.Identity) (string, error) {
	const op = "connect"
	if s.accounts != nil && id.ID != "" {
		acct, err := s.accounts.Lookup(ctx, id.ID)
		if errors.Is(err, accounts.ErrNotFound) {
			return "", apperr.NotFound(op, "account %s", id.ID)
		}
		if err != nil {
			return "", fmt.Errorf("%s: lookup %s: %w", op, id.ID, err)
		}
		if acct.Suspended || acct.Role != id.Role {
			return "", apperr.Authorization(op, "account %s may not connect as %s", id.ID, id.Role)
		}
		if id.Vehicle == "" {
			id.Vehicle = acct.Vehicle
		}
		if id.Capacity == 0 {
			id.Capacity = acct.Capacity
		}
	}
	prev, err := s.presence.Connect(conn, id)
	if err != nil {
		return "", err
	}
	s.logger.Info("connected", "id", id.ID, "role", id.Role, "conn", conn, "replaced", prev)

	rides, err := s.activeRides(ctx, id)
	if err != nil {
		return prev, err
	}
	for _, r := range rides {
		if id.Role == models.RoleDriver {
			s.presence.AssignRide(id.ID, r.ID)
			if err := s.rebind(ctx, r.ID, id.ID, conn); err != nil {
				s.logger.Error("lock rebind failed", "ride_id", r.ID, "driver_id", id.ID, "error", err)
			}
		}
		if r.Status != models.StatusPending && r.DriverID != "" {
			s.notify.JoinRide(r.ID, r.PassengerID, r.DriverID)
		}
	}
	observability.DriversOnline.Set(float64(len(s.presence.OnlineDrivers())))
	return prev, nil
}

func (s *Service) activeRides(ctx context.Context, id presence.Identity) ([]*models.RideRequest, error) {
	if id.Role != models.RoleDriver {
		return nil, nil
	}
	rides, err := s.store.ListActiveByDriver(ctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("connect: active rides of %s: %w", id.ID, err)
	}
	return rides, nil
}

// rebind points the Dispatch Lock of an assigned ride at the driver's new
// connection.
func (s *Service) rebind(ctx context.Context, rideID, driverID, conn string) error {
	claim, held, err := s.locks.Holder(ctx, rideID)
	if err != nil {
		return err
	}
	if held {
		if claim.DriverID != driverID {
			return fmt.Errorf("ride %s locked by %s", rideID, claim.DriverID)
		}
		if claim.Conn == conn {
			return nil
		}
		if _, err := s.locks.ReleaseOwned(ctx, rideID, driverID); err != nil {
			return err
		}
	}
	ok, err := s.locks.Acquire(ctx, rideID, driverID, conn)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ride %s re-locked concurrently", rideID)
	}
	return nil
}

// Disconnect forgets conn and frees every Dispatch Lock it held. A ride whose
// driver vanished is not cancelled: it keeps its state, the passenger is told
// and the condition is logged and counted for reconciliation.
func (s *Service) Disconnect(ctx context.Context, conn string) error {
	id, known, err := s.presence.Disconnect(ctx, conn)
	if err != nil {
		s.logger.Error("presence disconnect failed", "conn", conn, "error", err)
	}
	claims, err := s.locks.ReleaseConn(ctx, conn)
	if err != nil {
		return fmt.Errorf("disconnect: release locks of %s: %w", conn, err)
	}
	for _, c := range claims {
		r, err := s.store.Get(ctx, c.RideID)
		if err != nil {
			s.logger.Error("disconnect: load ride failed", "ride_id", c.RideID, "error", err)
			continue
		}
		if r.Status.Terminal() {
			continue
		}
		observability.DisconnectReleases.Inc()
		s.logger.Warn("driver_lost_connection", "ride_id", r.ID, "driver_id", c.DriverID, "conn", conn, "status", r.Status)
		s.notify.ToUser(ctx, r.PassengerID, dispatch.NewEvent(dispatch.EventDriverDisconnected, r.ID, map[string]string{
			"driver_id": c.DriverID,
			"status":    string(r.Status),
		}))
	}
	if known {
		s.logger.Info("disconnected", "id", id.ID, "role", id.Role, "conn", conn, "released_locks", len(claims))
	}
	observability.DriversOnline.Set(float64(len(s.presence.OnlineDrivers())))
	return nil
}

// UpdatePosition applies a driver ping received on conn. Pings that do not
// come from the driver's own connection, or that name a ride whose lock conn
// does not hold, are dropped and reported as not applied.
func (s *Service) UpdatePosition(ctx context.Context, conn string, ping models.PositionPing) (bool, error) {
	if ping.At.IsZero() {
		ping.At = s.now()
	}
	ok, err := s.presence.Heartbeat(ctx, conn, ping)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("position dropped", "driver_id", ping.DriverID, "ride_id", ping.RideID, "conn", conn)
		return false, nil
	}
	if s.positions != nil {
		if err := s.positions.PublishPosition(ctx, ping); err != nil {
			s.logger.Warn("position publish failed", "driver_id", ping.DriverID, "error", err)
		}
	}
	if ping.RideID != "" {
		s.notify.ToRide(ctx, ping.RideID, dispatch.NewEvent(dispatch.EventPosition, ping.RideID, ping))
	}
	return true, nil
}

// SetAvailability lets a connected driver stop or resume taking offers.
func (s *Service) SetAvailability(driverID string, online bool) error {
	if !s.presence.SetOnline(driverID, online) {
		return apperr.NotFound("availability", "driver %s is not connected", driverID)
	}
	observability.DriversOnline.Set(float64(len(s.presence.OnlineDrivers())))
	return nil
}

// ConnOf is the live connection of id, or "" when it has none.
func (s *Service) ConnOf(id string) string {
	c, _ := s.presence.Conn(id)
	return c
}
