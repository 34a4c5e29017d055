package refresh

// Payload is an immutable snapshot of an event payload. Both construction and
// read-out copy, so no handler can corrupt another handler's view.
type Payload struct {
	values map[string]any
}

// NewPayload copies m into an immutable payload.
func NewPayload(m map[string]any) Payload {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Payload{values: cp}
}

// String returns the value for key if it is a string.
func (p Payload) String(key string) string {
	s, _ := p.values[key].(string)
	return s
}

// Value returns the raw value for key.
func (p Payload) Value(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Map copies the payload out.
func (p Payload) Map() map[string]any {
	cp := make(map[string]any, len(p.values))
	for k, v := range p.values {
		cp[k] = v
	}
	return cp
}

// Len reports the number of keys.
func (p Payload) Len() int { return len(p.values) }
