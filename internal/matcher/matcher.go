// Package matcher is the dispatch core. It owns the Offer Arbiter (broadcast,
// accept, decline, expiry) and the event intake used by the transport layer:
// ride requests, connects, disconnects and position pings.
package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	RadiusKm      float64
	OfferTTL      time.Duration
	MaxCandidates int
	ScheduleLead  time.Duration
	SweepInterval time.Duration
	Currency      string
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = geo.DefaultRadiusKm
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 60 * time.Second
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 10
	}
	if c.ScheduleLead <= 0 {
		c.ScheduleLead = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	return c
}

// Escalator decides whether an exhausted broadcast round gets another round,
// and with which radius.
type Escalator interface {
	Escalate(r *models.RideRequest) (radiusKm float64, ok bool)
}

// NoEscalation never starts a new round by itself; the passenger retries.
type NoEscalation struct{}

func (NoEscalation) Escalate(*models.RideRequest) (float64, bool) { return 0, false }

// PaymentHolder places the hold taken when a card ride is requested, and
// releases it when the ride could not be created.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, intentID string) error
}

// PositionPublisher forwards accepted position pings to the shared stream.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, ping models.PositionPing) error
}

type Service struct {
	cfg       Config
	machine   *ride.Machine
	store     storage.RideStore
	selector  *geo.Selector
	presence  *presence.Registry
	locks     lock.Locker
	notify    dispatch.Notifier
	eta       *eta.Estimator
	accounts  accounts.Directory
	payments  PaymentHolder
	positions PositionPublisher
	escalator Escalator
	logger    *slog.Logger
}

func NewService(cfg Config, machine *ride.Machine, selector *geo.Selector, reg *presence.Registry, locks lock.Locker, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		machine:   machine,
		store:     machine.Store(),
		selector:  selector,
		presence:  reg,
		locks:     locks,
		notify:    machine.Notifier(),
		eta:       &eta.Estimator{},
		escalator: NoEscalation{},
		logger:    logger.With("component", "matcher"),
	}
}

func (s *Service) WithETA(e *eta.Estimator) *Service {
	s.eta = e
	return s
}

func (s *Service) WithAccounts(d accounts.Directory) *Service {
	s.accounts = d
	return s
}

func (s *Service) WithPayments(p PaymentHolder) *Service {
	s.payments = p
	return s
}

func (s *Service) WithPositions(p PositionPublisher) *Service {
	s.positions = p
	return s
}

func (s *Service) WithEscalator(e Escalator) *Service {
	if e != nil {
		s.escalator = e
	}
	return s
}

// Machine exposes the ride state machine for lifecycle events.
func (s *Service) Machine() *ride.Machine { return s.machine }

func (s *Service) now() time.Time { return s.machine.Now() }
