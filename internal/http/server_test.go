package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

const rideBody = `{"pickup":{"loc":{"lat":9.50,"lon":-13.70}},"destination":{"loc":{"lat":9.60,"lon":-13.62}},"vehicle":"ECONOMY","price":25000}`

func newTestServer(t *testing.T) (*Server, *matcher.Service, *lock.MemoryLocker) {
	t.Helper()
	logger := logging.Discard()
	locks := lock.NewMemoryLocker()
	reg := presence.NewRegistry(locks, nil, 1)
	hub := dispatch.NewHub(reg.OnlineDrivers, logger)
	m := ride.NewMachine(storage.NewMemoryStore(), locks, reg, hub, logger)
	sel := &geo.Selector{Presence: reg, DefaultRadiusKm: geo.DefaultRadiusKm}
	core := matcher.NewService(matcher.Config{}, m, sel, reg, locks, logger)
	return NewServer(core, hub, logger), core, locks
}

func connectDriver(t *testing.T, core *matcher.Service, id string, dLat float64) string {
	t.Helper()
	ctx := context.Background()
	conn := "conn-" + id
	if _, err := core.Connect(ctx, conn, presence.Identity{ID: id, Role: models.RoleDriver, Vehicle: models.VehicleEconomy, Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	if ok, err := core.UpdatePosition(ctx, conn, models.PositionPing{DriverID: id, Loc: models.Coord{Lat: 9.50 + dLat, Lon: -13.70}}); !ok || err != nil {
		t.Fatalf("position: %v", err)
	}
	return conn
}

func do(t *testing.T, h http.Handler, method, path, actor string, role models.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
		req.Header.Set("X-Actor-Role", string(role))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRideLifecycleOverREST(t *testing.T) {
	srv, core, _ := newTestServer(t)
	connectDriver(t, core, "A", 0.01)
	connectDriver(t, core, "B", 0.02)

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", "pax", models.RolePassenger, rideBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[matcher.RequestResult](t, rec)
	if res.Outcome != matcher.OutcomeSearching || len(res.Ride.Offers) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	base := "/api/v1/rides/" + res.Ride.ID

	if rec := do(t, srv, http.MethodPost, base+"/accept", "B", models.RoleDriver, ""); rec.Code != http.StatusOK {
		t.Fatalf("accept B: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, base+"/accept", "A", models.RoleDriver, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("accept A: expected 409, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Code != "conflict" {
		t.Fatalf("unexpected error code %q", body.Code)
	}

	if rec := do(t, srv, http.MethodGet, base, "stranger", models.RolePassenger, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger read: expected 403, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, base, "pax", models.RolePassenger, "")
	if got := decode[models.RideRequest](t, rec); got.Status != models.StatusAccepted || got.DriverID != "B" {
		t.Fatalf("unexpected ride %s %s", got.Status, got.DriverID)
	}

	for _, step := range []string{"depart", "arrive", "start", "complete"} {
		if rec := do(t, srv, http.MethodPost, base+"/"+step, "B", models.RoleDriver, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step, rec.Code, rec.Body.String())
		}
	}
	if rec := do(t, srv, http.MethodPost, base+"/complete", "B", models.RoleDriver, ""); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate complete: expected 409, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		actor  string
		role   models.Role
		body   string
		want   int
	}{
		{"no identity", http.MethodPost, "/api/v1/rides", "", "", rideBody, http.StatusUnauthorized},
		{"bad json", http.MethodPost, "/api/v1/rides", "pax", models.RolePassenger, "{", http.StatusBadRequest},
		{"bad vehicle", http.MethodPost, "/api/v1/rides", "pax", models.RolePassenger, `{"pickup":{"loc":{"lat":1,"lon":1}},"vehicle":"BUS"}`, http.StatusBadRequest},
		{"driver creates ride", http.MethodPost, "/api/v1/rides", "drv", models.RoleDriver, rideBody, http.StatusForbidden},
		{"passenger accepts", http.MethodPost, "/api/v1/rides/x/accept", "pax", models.RolePassenger, "", http.StatusForbidden},
		{"unknown ride", http.MethodGet, "/api/v1/rides/nope", "pax", models.RolePassenger, "", http.StatusNotFound},
		{"no driver", http.MethodPost, "/api/v1/rides", "pax2", models.RolePassenger, rideBody, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, tc.method, tc.path, tc.actor, tc.role, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCancelAndRetry(t *testing.T) {
	srv, core, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/rides", "pax", models.RolePassenger, rideBody)
	res := decode[matcher.RequestResult](t, rec)
	if res.Outcome != matcher.OutcomeNoDriver {
		t.Fatalf("expected no driver, got %s", res.Outcome)
	}
	base := "/api/v1/rides/" + res.Ride.ID

	connectDriver(t, core, "A", 0.01)
	rec = do(t, srv, http.MethodPost, base+"/retry", "pax", models.RolePassenger, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[matcher.RequestResult](t, rec); got.Outcome != matcher.OutcomeSearching || got.Ride.AttributionRound != 2 {
		t.Fatalf("unexpected retry result %+v", got)
	}

	rec = do(t, srv, http.MethodPost, base+"/cancel", "pax", models.RolePassenger, `{"reason":"too slow"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[models.RideRequest](t, rec)
	if got.Status != models.StatusCancelled || got.Cancellation.Reason != "too slow" {
		t.Fatalf("unexpected cancel %+v", got)
	}
	if rec := do(t, srv, http.MethodPost, base+"/accept", "A", models.RoleDriver, ""); rec.Code != http.StatusConflict {
		t.Fatalf("accept after cancel: expected 409, got %d", rec.Code)
	}
}

func readUntil(t *testing.T, c *websocket.Conn, want string) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg["type"] == want {
			return msg
		}
	}
}

func TestWebSocketDriverFlow(t *testing.T) {
	srv, core, locks := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?id=A&role=driver&vehicle=ECONOMY&capacity=4"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := c.WriteJSON(inbound{Type: "position", Lat: 9.51, Lon: -13.70}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, c, "ack")
	if ack["applied"] != true {
		t.Fatalf("position not applied: %v", ack)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/rides", bytes.NewBufferString(rideBody))
	req.Header.Set("X-Actor-ID", "pax")
	req.Header.Set("X-Actor-Role", "passenger")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var res matcher.RequestResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()

	offer := readUntil(t, c, string(dispatch.EventOfferReceived))
	if offer["ride_id"] != res.Ride.ID {
		t.Fatalf("offer for wrong ride: %v", offer)
	}

	if err := c.WriteJSON(inbound{Type: "accept", RideID: res.Ride.ID, RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	ack = readUntil(t, c, "ack")
	if ack["request_id"] != "r1" {
		t.Fatalf("unexpected ack %v", ack)
	}
	claim, held, _ := locks.Holder(context.Background(), res.Ride.ID)
	if !held || claim.DriverID != "A" || claim.Conn == "" {
		t.Fatalf("lock should be bound to the socket, got %+v", claim)
	}

	if err := c.WriteJSON(inbound{Type: "complete", RideID: res.Ride.ID}); err != nil {
		t.Fatal(err)
	}
	if e := readUntil(t, c, "error"); e["code"] != "conflict" {
		t.Fatalf("complete from ACCEPTED should conflict, got %v", e)
	}

	_ = c.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, held, _ := locks.Holder(context.Background(), res.Ride.ID); !held && core.ConnOf("A") == "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, held, _ := locks.Holder(context.Background(), res.Ride.ID); held {
		t.Fatal("closing the socket must release the lock")
	}
	view, err := core.View(context.Background(), res.Ride.ID, ride.Passenger("pax"))
	if err != nil || view.Status != models.StatusAccepted {
		t.Fatalf("ride must stay ACCEPTED after disconnect: %v %v", view, err)
	}
}
