package matcher

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Sweep expires overdue offers on pending rides and broadcasts scheduled
// rides whose pickup time is within the schedule lead.
func (s *Service) Sweep(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, r := range pending {
		var err error
		switch {
		case r.Kind == models.KindScheduled && r.AttributionRound == 0:
			if r.ScheduledAt != nil && !now.Before(r.ScheduledAt.Add(-s.cfg.ScheduleLead)) {
				_, _, err = s.Broadcast(ctx, r.ID)
			}
		case hasOverdue(r, now):
			_, err = s.ExpireOffers(ctx, r.ID)
		}
		if err != nil && !apperr.Handled(err) {
			s.logger.Error("sweep failed", "ride_id", r.ID, "error", err)
		}
	}
	return nil
}

func hasOverdue(r *models.RideRequest, now time.Time) bool {
	for i := range r.Offers {
		if r.Offers[i].Overdue(now) {
			return true
		}
	}
	return false
}

// RunSweeper calls Sweep every sweep interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep list failed", "error", err)
			}
		}
	}
}
