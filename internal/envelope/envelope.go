// Package envelope defines the message unit exchanged with the host and the
// data-shape rules for accepting one off the wire.
//
// Both directions use the same JSON shape:
//
//	{"name": "onRead", "arguments": [3, "aGVsbG8="]}
//
// Parsing is deliberately forgiving: input that is not a JSON object, has an
// empty name, or whose arguments field is not an array is dropped without an
// error. The host transport is fire-and-forget in both directions, so there
// is nobody to report a malformed frame to.
package envelope

import "encoding/json"

// Envelope is one named message with its ordered argument list. Arguments
// are dynamically typed; each handler checks the shapes it needs.
type Envelope struct {
	Name      string `json:"name"`
	Arguments []any  `json:"arguments"`
}

// Parse decodes raw into an Envelope. The second return value is false when
// the input does not match the required shape; callers must not dispatch in
// that case.
func Parse(raw []byte) (Envelope, bool) {
	var probe struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, false
	}
	if probe.Name == "" || len(probe.Arguments) == 0 {
		return Envelope{}, false
	}
	var args []any
	if err := json.Unmarshal(probe.Arguments, &args); err != nil {
		return Envelope{}, false
	}
	if args == nil {
		// "arguments": null unmarshals without error but is not an array.
		return Envelope{}, false
	}
	return Envelope{Name: probe.Name, Arguments: args}, true
}

// Encode serializes the envelope for the wire. A nil argument list is
// normalized to an empty array so the host never sees "arguments": null.
func (e Envelope) Encode() ([]byte, error) {
	if e.Arguments == nil {
		e.Arguments = []any{}
	}
	return json.Marshal(e)
}
