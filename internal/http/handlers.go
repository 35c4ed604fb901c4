package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

var errNoActor = errors.New("missing X-Actor-ID or X-Actor-Role")

// actorFrom reads the identity the upstream auth gateway attached.
func actorFrom(r *http.Request) (ride.Actor, error) {
	a := ride.Actor{ID: r.Header.Get("X-Actor-ID"), Role: models.Role(r.Header.Get("X-Actor-Role"))}
	if a.ID == "" || (a.Role != models.RolePassenger && a.Role != models.RoleDriver) {
		return ride.Actor{}, errNoActor
	}
	return a, nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RolePassenger)
	if !ok {
		return
	}
	var in matcher.RideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, apperr.Validation("request", "invalid body: %v", err))
		return
	}
	in.PassengerID = actor.ID
	res, err := s.core.RequestRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == matcher.OutcomeNoDriver {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	got, err := s.core.View(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RolePassenger)
	if !ok {
		return
	}
	got, outcome, err := s.core.Rebroadcast(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matcher.RequestResult{Ride: got, Outcome: outcome})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, r, apperr.Validation("cancel", "invalid body: %v", err))
			return
		}
	}
	got, err := s.core.Machine().Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleDriverAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	got, err := s.driverAction(r.Context(), ride.Action(vars["action"]), vars["id"], actor.ID, s.core.ConnOf(actor.ID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// driverAction routes a driver event to the arbiter or the state machine.
// It is shared by the REST and WebSocket transports.
func (s *Server) driverAction(ctx context.Context, action ride.Action, rideID, driverID, conn string) (*models.RideRequest, error) {
	m := s.core.Machine()
	switch action {
	case ride.ActionAccept:
		return s.core.Accept(ctx, rideID, driverID, conn)
	case "decline":
		return s.core.Decline(ctx, rideID, driverID)
	case ride.ActionDepart:
		return m.Depart(ctx, rideID, driverID)
	case ride.ActionArrive:
		return m.Arrive(ctx, rideID, driverID)
	case ride.ActionStart:
		return m.Start(ctx, rideID, driverID)
	case ride.ActionComplete:
		return m.Complete(ctx, rideID, driverID)
	}
	return nil, apperr.Validation("action", "unknown action %q", action)
}

type availabilityBody struct {
	Online bool `json:"online"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body availabilityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperr.Validation("availability", "invalid body: %v", err))
		return
	}
	if err := s.core.SetAvailability(actor.ID, body.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

// requireActor writes 401 when identity headers are missing and 403 when the
// role does not match want. An empty want accepts any role.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request, want models.Role) (ride.Actor, bool) {
	actor, err := actorFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Error: err.Error()})
		return ride.Actor{}, false
	}
	if want != "" && actor.Role != want {
		s.writeError(w, r, apperr.Authorization(r.URL.Path, "requires role %s", want))
		return ride.Actor{}, false
	}
	return actor, true
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrUnavailable):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Code: apperr.Code(err), Error: err.Error()}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func atoiOr(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
