package multiplex

type streamState int

const (
	streamUnmapped streamState = iota
	streamAccepting
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamUnmapped:
		return "unmapped"
	case streamAccepting:
		return "accepting"
	default:
		return "closed"
	}
}

// slot is the gateway's end of one stream: the inbound queue of a sub-application and the
// lifecycle state of its stream
type slot struct {
	name    string
	inbound *Queue

	// guarded by Session.acceptingM
	state streamState
}

func makeSlot(name string) *slot {
	return &slot{
		name:    name,
		inbound: NewQueue(),
	}
}
