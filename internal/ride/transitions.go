package ride

import "github.com/example/ride-dispatch/internal/models"

// Action is a lifecycle event applied to a ride.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionDepart   Action = "depart"
	ActionArrive   Action = "arrive"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

type actorRule int

const (
	anyDriver actorRule = iota
	ownerDriver
	rideParty
)

type rule struct {
	from  []models.RideStatus
	to    models.RideStatus
	actor actorRule
}

var nonTerminal = []models.RideStatus{
	models.StatusPending,
	models.StatusAccepted,
	models.StatusEnRoute,
	models.StatusArrived,
	models.StatusInProgress,
}

var rules = map[Action]rule{
	ActionAccept:   {from: []models.RideStatus{models.StatusPending}, to: models.StatusAccepted, actor: anyDriver},
	ActionDepart:   {from: []models.RideStatus{models.StatusAccepted}, to: models.StatusEnRoute, actor: ownerDriver},
	ActionArrive:   {from: []models.RideStatus{models.StatusEnRoute}, to: models.StatusArrived, actor: ownerDriver},
	ActionStart:    {from: []models.RideStatus{models.StatusArrived}, to: models.StatusInProgress, actor: ownerDriver},
	ActionComplete: {from: []models.RideStatus{models.StatusInProgress}, to: models.StatusCompleted, actor: ownerDriver},
	ActionCancel:   {from: nonTerminal, to: models.StatusCancelled, actor: rideParty},
}

// CanTransition reports whether some action moves a ride from one status to another.
func CanTransition(from, to models.RideStatus) bool {
	for _, r := range rules {
		if r.to == to && r.allows(from) {
			return true
		}
	}
	return false
}

func (r rule) allows(from models.RideStatus) bool {
	for _, s := range r.from {
		if s == from {
			return true
		}
	}
	return false
}

// Target is the status an action leads to.
func Target(a Action) (models.RideStatus, bool) {
	r, ok := rules[a]
	return r.to, ok
}
