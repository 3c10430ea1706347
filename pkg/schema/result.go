package schema

import (
	"encoding/json"
	"fmt"
)

// Status tags the outcome of a caller-facing operation.
type Status int

const (
	StatusOk Status = iota
	StatusErr
)

func (s Status) String() string {
	if s == StatusOk {
		return "ok"
	}
	return "err"
}

// MarshalJSON encodes the status as "ok" or "err".
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts "ok" or "err".
func (s *Status) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	switch text {
	case "ok":
		*s = StatusOk
	case "err":
		*s = StatusErr
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// Payload field names.
const (
	FieldKeys   = "keys"
	FieldValues = "values"
)

// Result is the uniform outcome of a caller-facing operation. On StatusErr
// the payload carries the operation's field with an empty list and nothing else.
type Result struct {
	Status Status              `json:"status"`
	Data   map[string][]string `json:"data"`
}

// Ok builds a successful result carrying items under field.
func Ok(field string, items []string) Result {
	if items == nil {
		items = []string{}
	}
	return Result{Status: StatusOk, Data: map[string][]string{field: items}}
}

// Err builds a failed result with an empty payload under field.
func Err(field string) Result {
	return Result{Status: StatusErr, Data: map[string][]string{field: {}}}
}

// IsOk reports whether the result succeeded.
func (r Result) IsOk() bool { return r.Status == StatusOk }
