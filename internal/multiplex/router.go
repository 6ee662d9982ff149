package multiplex

import "fmt"

// route delivers an inbound frame. Lifecycle frames go to every stream; data frames go to the
// stream named in their envelope, stripped down to the inner payload.
func (sesh *Session) route(f *Frame) error {
	switch f.Kind {
	case KindConnect, KindDisconnect:
		sesh.broadcast(f)
		return nil
	case KindReceive:
		env, ok := decodeEnvelope(f.Payload)
		if !ok {
			return fmt.Errorf("%w (no stream/payload key)", ErrMalformedFrame)
		}
		s, exists := sesh.slots[env.Stream]
		if !exists || !sesh.isAccepting(s) {
			return fmt.Errorf("%w: %v", ErrUnroutableStream, env.Stream)
		}
		return sesh.deliver(&Frame{Kind: KindReceive, Payload: []byte(env.Payload)}, s.name)
	default:
		return fmt.Errorf("%w: unexpected %v frame", ErrMalformedFrame, f.Kind)
	}
}

func (sesh *Session) broadcast(f *Frame) {
	for _, s := range sesh.slots {
		s.inbound.Put(f)
	}
}

// deliver puts a frame on a single stream's queue
func (sesh *Session) deliver(f *Frame, name string) error {
	s, ok := sesh.slots[name]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownStream, name)
	}
	s.inbound.Put(f)
	return nil
}
