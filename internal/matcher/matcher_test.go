package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 9.50, Lon: -13.70}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	svc   *Service
	reg   *presence.Registry
	locks *lock.MemoryLocker
	store *storage.MemoryStore
	rec   *dispatch.Recorder
	clock *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		locks: lock.NewMemoryLocker(),
		store: storage.NewMemoryStore(),
		clock: &fakeClock{now: time.Now()},
	}
	e.reg = presence.NewRegistry(e.locks, nil, 1)
	e.rec = dispatch.NewRecorder(e.reg.OnlineDrivers)
	m := ride.NewMachine(e.store, e.locks, e.reg, e.rec, logger).WithClock(e.clock.Now)
	sel := &geo.Selector{Presence: e.reg, DefaultRadiusKm: geo.DefaultRadiusKm}
	e.svc = NewService(Config{OfferTTL: time.Minute, ScheduleLead: 15 * time.Minute}, m, sel, e.reg, e.locks, logger)
	return e
}

// driver connects id and places it dLat degrees north of the pickup.
func (e *env) driver(t *testing.T, id string, dLat float64) string {
	t.Helper()
	ctx := context.Background()
	conn := "conn-" + id
	if _, err := e.svc.Connect(ctx, conn, presence.Identity{ID: id, Role: models.RoleDriver, Vehicle: models.VehicleEconomy, Capacity: 4}); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	ok, err := e.svc.UpdatePosition(ctx, conn, models.PositionPing{DriverID: id, Loc: models.Coord{Lat: pickup.Lat + dLat, Lon: pickup.Lon}})
	if err != nil || !ok {
		t.Fatalf("position %s: ok=%v err=%v", id, ok, err)
	}
	return conn
}

func (e *env) request(t *testing.T, passenger string) RequestResult {
	t.Helper()
	res, err := e.svc.RequestRide(context.Background(), RideInput{
		PassengerID: passenger,
		Pickup:      models.Place{Address: "Kaloum", Loc: pickup},
		Destination: models.Place{Address: "Ratoma", Loc: models.Coord{Lat: 9.60, Lon: -13.62}},
		Vehicle:     models.VehicleEconomy,
		Price:       25000,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return res
}

func (e *env) ride(t *testing.T, id string) *models.RideRequest {
	t.Helper()
	r, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func offerStatus(r *models.RideRequest, driverID string) models.OfferStatus {
	if o := r.OfferFor(driverID); o != nil {
		return o.Status
	}
	return ""
}

func TestEndToEndFirstAcceptWinsAndCompletes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	connB := e.driver(t, "B", 0.02)
	e.driver(t, "C", 0.03)
	e.driver(t, "far", 0.2)

	res := e.request(t, "pax")
	if res.Outcome != OutcomeSearching || len(res.Ride.Offers) != 3 {
		t.Fatalf("expected 3 offers, got outcome %s offers %d", res.Outcome, len(res.Ride.Offers))
	}
	rideID := res.Ride.ID
	for _, d := range []string{"A", "B", "C"} {
		if !e.rec.Has(d, dispatch.EventOfferReceived, rideID) {
			t.Fatalf("%s did not receive the offer", d)
		}
	}
	if e.rec.Has("far", dispatch.EventOfferReceived, rideID) {
		t.Fatal("driver outside radius was offered the ride")
	}

	got, err := e.svc.Accept(ctx, rideID, "B", connB)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusAccepted || got.DriverID != "B" {
		t.Fatalf("unexpected ride after accept: %s %s", got.Status, got.DriverID)
	}
	var accepted *AcceptedPayload
	for _, ev := range e.rec.Events("pax") {
		if ev.Type == dispatch.EventAccepted {
			p := ev.Payload.(AcceptedPayload)
			accepted = &p
		}
	}
	if accepted == nil || accepted.Driver.DriverID != "B" {
		t.Fatalf("passenger did not get B's details: %+v", accepted)
	}
	for _, d := range []string{"A", "C"} {
		if !e.rec.Has(d, dispatch.EventAlreadyTaken, rideID) {
			t.Errorf("%s should be told the ride is taken", d)
		}
		if st := offerStatus(got, d); st != models.OfferExpired {
			t.Errorf("offer to %s is %s, want EXPIRED", d, st)
		}
	}
	if !e.reg.IsBusy("B") {
		t.Fatal("winner must be busy")
	}

	after, err := e.svc.Decline(ctx, rideID, "B")
	if err != nil {
		t.Fatalf("decline after accept should answer with state, got %v", err)
	}
	if after.Status != models.StatusAccepted || offerStatus(after, "B") != models.OfferAccepted {
		t.Fatal("late decline must not change the ride")
	}

	m := e.svc.Machine()
	for _, step := range []func(context.Context, string, string) (*models.RideRequest, error){m.Depart, m.Arrive, m.Start, m.Complete} {
		if _, err := step(ctx, rideID, "B"); err != nil {
			t.Fatalf("lifecycle: %v", err)
		}
	}
	if st := e.ride(t, rideID).Status; st != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st)
	}
	if e.reg.IsBusy("B") {
		t.Fatal("driver must be free after completion")
	}
}

func TestNoDriverAvailableKeepsRidePending(t *testing.T) {
	e := newEnv(t)
	res := e.request(t, "pax")
	if res.Outcome != OutcomeNoDriver {
		t.Fatalf("expected no driver outcome, got %s", res.Outcome)
	}
	if res.Ride.Status != models.StatusPending {
		t.Fatalf("ride should stay PENDING, got %s", res.Ride.Status)
	}
	if !e.rec.Has("pax", dispatch.EventNoDriver, res.Ride.ID) {
		t.Fatal("passenger not told")
	}
	if _, held, _ := e.locks.Holder(context.Background(), res.Ride.ID); held {
		t.Fatal("no lock may exist")
	}
}

func TestPassengerCancelExpiresOffersAndBlocksAccepts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	connA := e.driver(t, "A", 0.01)
	connB := e.driver(t, "B", 0.02)
	res := e.request(t, "pax")

	got, err := e.svc.Machine().Cancel(ctx, res.Ride.ID, ride.Passenger("pax"), "changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	for _, d := range []string{"A", "B"} {
		if st := offerStatus(got, d); st != models.OfferExpired {
			t.Fatalf("offer to %s is %s", d, st)
		}
	}
	for d, conn := range map[string]string{"A": connA, "B": connB} {
		if _, err := e.svc.Accept(ctx, res.Ride.ID, d, conn); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("accept by %s after cancel: expected conflict, got %v", d, err)
		}
		if _, held, _ := e.locks.Holder(ctx, res.Ride.ID); held {
			t.Fatal("failed accept left the lock behind")
		}
	}
}

func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	const n = 10
	conns := make(map[string]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%02d", i)
		conns[id] = e.driver(t, id, 0.001*float64(i+1))
	}
	res := e.request(t, "pax")
	if len(res.Ride.Offers) != n {
		t.Fatalf("expected %d offers, got %d", n, len(res.Ride.Offers))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for id, conn := range conns {
		wg.Add(1)
		go func(id, conn string) {
			defer wg.Done()
			<-start
			_, err := e.svc.Accept(ctx, res.Ride.ID, id, conn)
			errs <- err
		}(id, conn)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins, conflicts)
	}
	r := e.ride(t, res.Ride.ID)
	accepted := 0
	for _, o := range r.Offers {
		switch o.Status {
		case models.OfferAccepted:
			accepted++
		case models.OfferExpired:
		default:
			t.Fatalf("offer to %s left %s", o.DriverID, o.Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted offer, got %d", accepted)
	}
}

func TestAcceptRacingCancelLeavesNoLock(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		conn := e.driver(t, "A", 0.01)
		res := e.request(t, "pax")

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, _ = e.svc.Accept(ctx, res.Ride.ID, "A", conn)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _ = e.svc.Machine().Cancel(ctx, res.Ride.ID, ride.Passenger("pax"), "")
		}()
		close(start)
		wg.Wait()

		if st := e.ride(t, res.Ride.ID).Status; st != models.StatusCancelled {
			t.Fatalf("iteration %d: expected CANCELLED, got %s", i, st)
		}
		if _, held, _ := e.locks.Holder(ctx, res.Ride.ID); held {
			t.Fatalf("iteration %d: lock leaked", i)
		}
		if e.reg.IsBusy("A") {
			t.Fatalf("iteration %d: driver left busy", i)
		}
	}
}

func TestBusyDriverRejectedBeforeLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conn := e.driver(t, "A", 0.01)
	first := e.request(t, "pax1")
	second := e.request(t, "pax2")

	if _, err := e.svc.Accept(ctx, first.Ride.ID, "A", conn); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Accept(ctx, second.Ride.ID, "A", conn); !errors.Is(err, apperr.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if _, held, _ := e.locks.Holder(ctx, second.Ride.ID); held {
		t.Fatal("capacity rejection must not take the lock")
	}
}

func TestDriverCannotWinTwoRidesConcurrently(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		e := newEnv(t)
		conn := e.driver(t, "D", 0.01)
		first := e.request(t, "p1")
		second := e.request(t, "p2")

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, 2)
		for _, id := range []string{first.Ride.ID, second.Ride.ID} {
			wg.Add(1)
			go func(rideID string) {
				defer wg.Done()
				<-start
				_, err := e.svc.Accept(ctx, rideID, "D", conn)
				errs <- err
			}(id)
		}
		close(start)
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrCapacity):
			default:
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d: driver won %d rides with one slot", i, wins)
		}
		active, _ := e.store.ListActiveByDriver(ctx, "D")
		accepted := 0
		for _, r := range active {
			if r.Status == models.StatusAccepted {
				accepted++
			}
		}
		if accepted != 1 {
			t.Fatalf("iteration %d: %d rides stored ACCEPTED for one driver", i, accepted)
		}
		if p, _ := e.reg.Driver("D"); len(p.ActiveRides) != 1 {
			t.Fatalf("iteration %d: expected one active ride, got %v", i, p.ActiveRides)
		}
	}
}

func TestAcceptRequiresLiveConnection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	res := e.request(t, "pax")

	for _, conn := range []string{"", "conn-stale"} {
		if _, err := e.svc.Accept(ctx, res.Ride.ID, "A", conn); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("conn %q: expected conflict, got %v", conn, err)
		}
	}
	if _, held, _ := e.locks.Holder(ctx, res.Ride.ID); held {
		t.Fatal("rejected accept must not take the lock")
	}
	if e.reg.IsBusy("A") {
		t.Fatal("rejected accept must not take a slot")
	}
}

func TestFailedAcceptGivesBackSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conn := e.driver(t, "A", 0.01)
	if _, err := e.svc.Accept(ctx, "no-such-ride", "A", conn); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	res := e.request(t, "pax")
	if _, err := e.svc.Accept(ctx, res.Ride.ID, "A", conn); err != nil {
		t.Fatalf("slot leaked by the failed accept: %v", err)
	}
}

func TestDeclineThenRebroadcastSkipsDecliners(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	e.driver(t, "B", 0.02)
	res := e.request(t, "pax")
	id := res.Ride.ID

	if _, err := e.svc.Decline(ctx, id, "A"); err != nil {
		t.Fatal(err)
	}
	if !e.rec.Has("A", dispatch.EventOfferDeclined, id) || !e.rec.Has("pax", dispatch.EventStillSearching, id) {
		t.Fatal("expected declined ack and still searching")
	}
	if _, err := e.svc.Decline(ctx, id, "A"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second decline: expected conflict, got %v", err)
	}
	if _, _, err := e.svc.Rebroadcast(ctx, id, "pax"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("rebroadcast while searching: expected conflict, got %v", err)
	}
	if _, err := e.svc.Decline(ctx, id, "B"); err != nil {
		t.Fatal(err)
	}
	if !e.rec.Has("pax", dispatch.EventNoDriver, id) {
		t.Fatal("passenger should hear no driver available once every offer is declined")
	}

	if _, _, err := e.svc.Rebroadcast(ctx, id, "intruder"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("foreign retry: expected authorization, got %v", err)
	}
	r, outcome, err := e.svc.Rebroadcast(ctx, id, "pax")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNoDriver || r.AttributionRound != 2 {
		t.Fatalf("decliners must not be re-offered: outcome %s round %d", outcome, r.AttributionRound)
	}

	e.driver(t, "C", 0.015)
	r, outcome, err = e.svc.Rebroadcast(ctx, id, "pax")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSearching || r.AttributionRound != 3 || offerStatus(r, "C") != models.OfferSent {
		t.Fatalf("expected C offered in round 3, got %s round %d", outcome, r.AttributionRound)
	}
	if o := r.OfferFor("C"); o.Round != 3 {
		t.Fatalf("offer round %d", o.Round)
	}
}

func TestExpiredOfferCannotBeAccepted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conn := e.driver(t, "A", 0.01)
	res := e.request(t, "pax")

	e.clock.Advance(61 * time.Second)
	if _, err := e.svc.Accept(ctx, res.Ride.ID, "A", conn); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for expired offer, got %v", err)
	}
	r := e.ride(t, res.Ride.ID)
	if offerStatus(r, "A") != models.OfferExpired || r.Status != models.StatusPending {
		t.Fatalf("lazy expiry not applied: offer %s ride %s", offerStatus(r, "A"), r.Status)
	}
	if !e.rec.Has("A", dispatch.EventOfferExpired, r.ID) || !e.rec.Has("pax", dispatch.EventNoDriver, r.ID) {
		t.Fatal("expected expiry and no driver notifications")
	}
	if _, held, _ := e.locks.Holder(ctx, r.ID); held {
		t.Fatal("lock leaked on expired accept")
	}
}

func TestSweepExpiresOverdueOffers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	res := e.request(t, "pax")

	if err := e.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if offerStatus(e.ride(t, res.Ride.ID), "A") != models.OfferSent {
		t.Fatal("offer expired early")
	}
	e.clock.Advance(2 * time.Minute)
	if err := e.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if offerStatus(e.ride(t, res.Ride.ID), "A") != models.OfferExpired {
		t.Fatal("sweep did not expire the offer")
	}
}

func TestScheduledRideBroadcastWhenDue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	at := e.clock.Now().Add(time.Hour)
	res, err := e.svc.RequestRide(ctx, RideInput{
		PassengerID: "pax",
		Pickup:      models.Place{Loc: pickup},
		Destination: models.Place{Loc: models.Coord{Lat: 9.6, Lon: -13.6}},
		Vehicle:     models.VehicleEconomy,
		Kind:        models.KindScheduled,
		ScheduledAt: &at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeScheduled || len(res.Ride.Offers) != 0 {
		t.Fatalf("scheduled ride must not broadcast yet: %s", res.Outcome)
	}
	_ = e.svc.Sweep(ctx)
	if len(e.ride(t, res.Ride.ID).Offers) != 0 {
		t.Fatal("broadcast before the schedule lead")
	}
	e.clock.Advance(50 * time.Minute)
	_ = e.svc.Sweep(ctx)
	r := e.ride(t, res.Ride.ID)
	if len(r.Offers) != 1 || r.AttributionRound != 1 {
		t.Fatalf("expected one offer in round 1, got %d offers round %d", len(r.Offers), r.AttributionRound)
	}
}

func TestRequestValidationAndSingleActiveRide(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bad := []RideInput{
		{Pickup: models.Place{Loc: pickup}, Vehicle: models.VehicleEconomy},
		{PassengerID: "p", Pickup: models.Place{Loc: models.Coord{Lat: 91}}, Vehicle: models.VehicleEconomy},
		{PassengerID: "p", Pickup: models.Place{Loc: pickup}, Vehicle: "BUS"},
		{PassengerID: "p", Pickup: models.Place{Loc: pickup}, Vehicle: models.VehicleEconomy, Kind: models.KindScheduled},
	}
	for i, in := range bad {
		if _, err := e.svc.RequestRide(ctx, in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	e.request(t, "pax")
	_, err := e.svc.RequestRide(ctx, RideInput{PassengerID: "pax", Pickup: models.Place{Loc: pickup}, Vehicle: models.VehicleEconomy})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second active ride: expected conflict, got %v", err)
	}
}

type holds struct {
	mu        sync.Mutex
	held      []string
	cancelled []string
}

func (h *holds) Hold(_ context.Context, _ int64, _, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := fmt.Sprintf("pi_%d", len(h.held)+1)
	h.held = append(h.held, id)
	return id, nil
}

func (h *holds) Cancel(_ context.Context, intentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, intentID)
	return nil
}

type failingCreate struct{ storage.RideStore }

func (failingCreate) Create(context.Context, *models.RideRequest) error {
	return errors.New("connection reset")
}

func cardRide(passenger string) RideInput {
	return RideInput{
		PassengerID:   passenger,
		Pickup:        models.Place{Loc: pickup},
		Destination:   models.Place{Loc: models.Coord{Lat: 9.60, Lon: -13.62}},
		Vehicle:       models.VehicleEconomy,
		Price:         25000,
		PaymentMethod: models.PaymentCard,
	}
}

func TestHoldCancelledWhenRideNotStored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := &holds{}
	e.svc.WithPayments(h)

	res, err := e.svc.RequestRide(ctx, cardRide("kept"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Ride.Payment.Status != models.PaymentHeld || len(h.cancelled) != 0 {
		t.Fatalf("stored ride should keep its hold: payment=%+v cancelled=%v", res.Ride.Payment, h.cancelled)
	}

	e.svc.store = failingCreate{e.store}
	if _, err := e.svc.RequestRide(ctx, cardRide("lost")); err == nil {
		t.Fatal("expected create failure")
	}
	if len(h.cancelled) != 1 || h.cancelled[0] != h.held[1] {
		t.Fatalf("expected hold %s cancelled, got %v", h.held[1], h.cancelled)
	}
}

func TestConcurrentRequestsCreateOneRidePerPassenger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := &holds{}
	e.svc.WithPayments(h)

	const n = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.svc.RequestRide(ctx, cardRide("pax"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 ride and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one stored ride, got %d", len(pending))
	}
	if open := len(h.held) - len(h.cancelled); open != 1 {
		t.Fatalf("expected exactly one hold left open, got %d (held %v, cancelled %v)", open, h.held, h.cancelled)
	}
}

func TestDisconnectReleasesLockButKeepsRide(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conn := e.driver(t, "A", 0.01)
	res := e.request(t, "pax")
	if _, err := e.svc.Accept(ctx, res.Ride.ID, "A", conn); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Disconnect(ctx, conn); err != nil {
		t.Fatal(err)
	}
	if _, held, _ := e.locks.Holder(ctx, res.Ride.ID); held {
		t.Fatal("lock must be released on disconnect")
	}
	if st := e.ride(t, res.Ride.ID).Status; st != models.StatusAccepted {
		t.Fatalf("ride must stay ACCEPTED, got %s", st)
	}
	if !e.rec.Has("pax", dispatch.EventDriverDisconnected, res.Ride.ID) {
		t.Fatal("passenger must be told the driver dropped")
	}

	newConn := "conn-A-2"
	if _, err := e.svc.Connect(ctx, newConn, presence.Identity{ID: "A", Role: models.RoleDriver, Vehicle: models.VehicleEconomy, Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	claim, held, _ := e.locks.Holder(ctx, res.Ride.ID)
	if !held || claim.Conn != newConn || claim.DriverID != "A" {
		t.Fatalf("reconnect should rebind the lock, got %+v held=%v", claim, held)
	}
	if !e.reg.IsBusy("A") {
		t.Fatal("reconnected driver must still be busy")
	}
	if _, err := e.svc.Machine().Depart(ctx, res.Ride.ID, "A"); err != nil {
		t.Fatalf("driver should continue the ride: %v", err)
	}
}

func TestRideScopedPositionRequiresLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	connA := e.driver(t, "A", 0.01)
	connB := e.driver(t, "B", 0.02)
	res := e.request(t, "pax")
	if _, err := e.svc.Accept(ctx, res.Ride.ID, "A", connA); err != nil {
		t.Fatal(err)
	}

	spoof := models.PositionPing{DriverID: "B", RideID: res.Ride.ID, Loc: pickup}
	if ok, _ := e.svc.UpdatePosition(ctx, connB, spoof); ok {
		t.Fatal("non-holder ride position must be dropped")
	}
	stolen := models.PositionPing{DriverID: "A", RideID: res.Ride.ID, Loc: pickup}
	if ok, _ := e.svc.UpdatePosition(ctx, connB, stolen); ok {
		t.Fatal("ping for another driver must be dropped")
	}
	if ok, err := e.svc.UpdatePosition(ctx, connA, stolen); !ok || err != nil {
		t.Fatalf("holder position rejected: %v", err)
	}
	if !e.rec.Has("pax", dispatch.EventPosition, res.Ride.ID) {
		t.Fatal("passenger should see the driver's position")
	}
}

type widen struct{ radius float64 }

func (w widen) Escalate(r *models.RideRequest) (float64, bool) {
	return w.radius, r.AttributionRound < 3
}

func TestEscalatorWidensRadius(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.svc.WithEscalator(widen{radius: 20})
	e.driver(t, "far", 0.12) // ~13 km

	res := e.request(t, "pax")
	if res.Outcome != OutcomeNoDriver {
		t.Fatalf("expected nobody within 8 km, got %s", res.Outcome)
	}
	r, outcome, err := e.svc.Rebroadcast(ctx, res.Ride.ID, "pax")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSearching || r.RadiusKm != 20 || offerStatus(r, "far") != models.OfferSent {
		t.Fatalf("escalated round should reach the far driver: %s radius %.0f", outcome, r.RadiusKm)
	}
}

func TestViewAuthorization(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver(t, "A", 0.01)
	res := e.request(t, "pax")

	if _, err := e.svc.View(ctx, res.Ride.ID, ride.Passenger("pax")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.View(ctx, res.Ride.ID, ride.Driver("A")); err != nil {
		t.Fatalf("offered driver should read the ride: %v", err)
	}
	if _, err := e.svc.View(ctx, res.Ride.ID, ride.Passenger("other")); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := e.svc.View(ctx, "nope", ride.Passenger("pax")); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
