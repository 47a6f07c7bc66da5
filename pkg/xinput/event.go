package xinput

// Event is anything the transport hands back from the event queue.
type Event interface {
	ResponseType() byte
}

// CoreEvent is an event the watcher has no use for beyond its code.
type CoreEvent struct {
	Code byte
}

func (e CoreEvent) ResponseType() byte { return e.Code }

// GenericEvent is an XGE event in full wire form. Extension is the major
// opcode of the extension that sent it.
type GenericEvent struct {
	Extension byte
	EventType uint16
	Data      []byte
}

func (e *GenericEvent) ResponseType() byte { return GenericEventCode }
