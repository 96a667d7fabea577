package call

// State is the tagged call-session state. Transitions happen only inside
// Session methods; invalid states are unreachable by construction.
type State int

const (
	Idle State = iota
	AcquiringMedia
	Offering
	AwaitingOffer
	Negotiating
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AcquiringMedia:
		return "acquiring_media"
	case Offering:
		return "offering"
	case AwaitingOffer:
		return "awaiting_offer"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has released its resources.
func (s State) Terminal() bool { return s == Closed || s == Failed }
