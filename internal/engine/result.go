package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Result is a decoded engine response. Command-specific fields stay raw until
// the caller decodes the ones it knows.
type Result struct {
	Success bool
	Message string
	Version int

	fields map[string]json.RawMessage
}

// Field returns the raw value of a response field.
func (r *Result) Field(name string) (json.RawMessage, bool) {
	if r == nil || r.fields == nil {
		return nil, false
	}
	raw, ok := r.fields[name]
	return raw, ok
}

// Decode unmarshals the named field into v. A missing field is an error.
func (r *Result) Decode(name string, v any) error {
	raw, ok := r.Field(name)
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: field %q missing", ErrMalformed, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformed, name, err)
	}
	return nil
}

// Payload returns the raw payload for the command that produced the result.
func (r *Result) Payload(cmd Command) json.RawMessage {
	name := cmd.PayloadField()
	if name == "" {
		return nil
	}
	raw, _ := r.Field(name)
	return raw
}

// parseResult decodes exactly one JSON object. A missing success flag makes
// the response malformed, never a rejection.
func parseResult(raw []byte) (*Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: response is not an object", ErrMalformed)
	}

	successRaw, ok := fields["success"]
	if !ok {
		return nil, fmt.Errorf("%w: success flag missing", ErrMalformed)
	}
	res := &Result{fields: fields}
	if err := json.Unmarshal(successRaw, &res.Success); err != nil {
		return nil, fmt.Errorf("%w: success flag: %v", ErrMalformed, err)
	}
	if msg, ok := fields["message"]; ok {
		_ = json.Unmarshal(msg, &res.Message)
	}
	if v, ok := fields["version"]; ok {
		if err := json.Unmarshal(v, &res.Version); err != nil {
			return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
		}
		if res.Version > ProtocolVersion {
			return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformed, res.Version)
		}
	}
	return res, nil
}

// Ticket is an engine order/position id. Engines emit it as a number or string.
type Ticket string

func (t *Ticket) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Ticket(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*t = Ticket(strconv.FormatInt(i, 10))
		return nil
	}
	*t = Ticket(n.String())
	return nil
}

func (t Ticket) String() string { return string(t) }
