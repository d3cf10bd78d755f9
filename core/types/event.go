package types

// Event represents a structured state change produced by one of the native
// engines. Attributes are flat string pairs so downstream indexers can store
// payloads without schema coupling.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Clone returns a deep copy so journals can retain events without aliasing
// the emitting engine's map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Attributes: attrs}
}
