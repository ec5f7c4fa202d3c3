package trip

// Event names the action that moves a trip between states.
type Event string

const (
	EventCreate   Event = "create"
	EventAccept   Event = "accept"
	EventArrive   Event = "arrive"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

var transitions = map[Status]map[Status]struct{}{
	StatusSearching: {
		StatusAccepted:  {},
		StatusCancelled: {},
	},
	StatusAccepted: {
		StatusDriverArrived: {},
		StatusCancelled:     {},
	},
	StatusDriverArrived: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusCompleted: {},
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// In-progress trips cannot be cancelled.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Sources returns every status from which to is reachable in one step.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusSearching, StatusAccepted, StatusDriverArrived, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
