package http11

// Field is one header line: a name and a value. Both may borrow the
// connection's read buffer when parsed, or be handler-owned when set.
type Field struct {
	Name  []byte
	Value []byte
}

// Headers is an ordered multimap of header fields. Duplicates are kept in
// insertion order, lookups fold ASCII case, and iteration yields insertion
// order — which is also the order fields are written to the wire.
//
// The zero value is an empty, usable header set.
type Headers struct {
	fields []Field
}

// Empty returns a header set with no fields.
func Empty() Headers {
	return Headers{}
}

// Close returns a header set holding the single field "Connection: close".
func Close() Headers {
	return Headers{fields: []Field{{Name: HeaderConnection, Value: valueClose}}}
}

// NewHeaders builds a header set from name/value string pairs, panicking on
// an odd count. Convenience for handlers and tests.
func NewHeaders(pairs ...string) Headers {
	if len(pairs)%2 != 0 {
		panic("http11: NewHeaders requires name/value pairs")
	}
	h := Headers{fields: make([]Field, 0, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		h.Add([]byte(pairs[i]), []byte(pairs[i+1]))
	}
	return h
}

// Add appends a field, preserving any existing fields of the same name.
// CR and LF are forbidden in both name and value; offending fields are
// dropped rather than letting a handler split the response on the wire.
func (h *Headers) Add(name, value []byte) {
	if containsCRLF(name) || containsCRLF(value) {
		return
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// AddString is Add for string-typed callers.
func (h *Headers) AddString(name, value string) {
	h.Add([]byte(name), []byte(value))
}

// Set replaces every field named name with a single field, or appends one
// if none exists.
func (h *Headers) Set(name, value []byte) {
	if containsCRLF(name) || containsCRLF(value) {
		return
	}
	h.Del(name)
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the first value for name, folding case. The second result is
// false when the header is absent.
//
// Linear scan: header sets are small and a scan beats a map for the sizes
// seen in practice.
//
// Allocation behavior: 0 allocs/op
func (h *Headers) Get(name []byte) ([]byte, bool) {
	for i := range h.fields {
		if equalFold(h.fields[i].Name, name) {
			return h.fields[i].Value, true
		}
	}
	return nil, false
}

// GetAll returns every value for name in insertion order.
func (h *Headers) GetAll(name []byte) [][]byte {
	var out [][]byte
	for i := range h.fields {
		if equalFold(h.fields[i].Name, name) {
			out = append(out, h.fields[i].Value)
		}
	}
	return out
}

// Has reports whether any field matches name.
func (h *Headers) Has(name []byte) bool {
	_, ok := h.Get(name)
	return ok
}

// Del removes every field named name.
func (h *Headers) Del(name []byte) {
	kept := h.fields[:0]
	for i := range h.fields {
		if !equalFold(h.fields[i].Name, name) {
			kept = append(kept, h.fields[i])
		}
	}
	h.fields = kept
}

// Len returns the number of fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Visit calls fn for each field in insertion order, stopping early when fn
// returns false.
func (h *Headers) Visit(fn func(name, value []byte) bool) {
	for i := range h.fields {
		if !fn(h.fields[i].Name, h.fields[i].Value) {
			return
		}
	}
}

// Reset empties the set, keeping the backing array for reuse between
// request cycles.
func (h *Headers) Reset() {
	h.fields = h.fields[:0]
}

// connectionIs reports whether a Connection field equals token, folding
// case. Comma-separated lists are scanned element-wise.
func (h *Headers) connectionIs(token []byte) bool {
	for i := range h.fields {
		if !equalFold(h.fields[i].Name, HeaderConnection) {
			continue
		}
		v := h.fields[i].Value
		for len(v) > 0 {
			elem := v
			for j := 0; j < len(v); j++ {
				if v[j] == ',' {
					elem = v[:j]
					break
				}
			}
			if equalFold(trimOWS(elem), token) {
				return true
			}
			if len(elem) == len(v) {
				break
			}
			v = v[len(elem)+1:]
		}
	}
	return false
}

func containsCRLF(b []byte) bool {
	for _, c := range b {
		if c == '\r' || c == '\n' {
			return true
		}
	}
	return false
}
