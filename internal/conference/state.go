package conference

// State is the call state. The only edges are:
//
//	INVALID   -> VALID_URL, LOGGED
//	VALID_URL -> LOGGED, INVALID
//	LOGGED    -> JOINED, INVALID
//	JOINED    -> LOGGED
type State int32

const (
	StateInvalid State = iota
	StateValidURL
	StateLogged
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateValidURL:
		return "VALID_URL"
	case StateLogged:
		return "LOGGED"
	case StateJoined:
		return "JOINED"
	default:
		return "UNKNOWN"
	}
}

func validTransition(from, to State) bool {
	switch from {
	case StateInvalid:
		return to == StateValidURL || to == StateLogged
	case StateValidURL:
		return to == StateLogged || to == StateInvalid
	case StateLogged:
		return to == StateJoined || to == StateInvalid
	case StateJoined:
		return to == StateLogged
	default:
		return false
	}
}
