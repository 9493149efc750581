package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed marks a frame whose parameters do not match its opcode.
var ErrMalformed = errors.New("malformed frame")

// Opcode is the protocol operation code. Values are a fixed external
// contract.
type Opcode int

const (
	OpSync                    Opcode = 4
	OpHeartbeat               Opcode = 7
	OpModeration              Opcode = 33
	OpSetUserPropertiesLegacy Opcode = 42
	OpInstantiate             Opcode = 202
	OpSetUserProperties       Opcode = 253
	OpLeave                   Opcode = 254
	OpJoin                    Opcode = 255
)

func (o Opcode) String() string {
	switch o {
	case OpSync:
		return "Sync"
	case OpHeartbeat:
		return "Heartbeat"
	case OpModeration:
		return "Moderation"
	case OpSetUserPropertiesLegacy:
		return "SetUserPropertiesLegacy"
	case OpInstantiate:
		return "Instantiate"
	case OpSetUserProperties:
		return "SetUserProperties"
	case OpLeave:
		return "Leave"
	case OpJoin:
		return "Join"
	default:
		return "Opcode(" + strconv.Itoa(int(o)) + ")"
	}
}

// Parameter keys.
const (
	KeyActor       = 254
	KeyTargetActor = 253
	KeyActorList   = 252
	KeyProperties  = 251
	KeyActorProps  = 249
	KeyCustomData  = 245
	KeyMasterID    = 203
)

// Moderation data keys inside KeyCustomData.
const (
	modKeyActor   = 1
	modKeyBlocked = 10
	modKeyMuted   = 11
)

// Frame is one decoded protocol operation relayed by the bridge.
type Frame struct {
	Opcode     Opcode
	Parameters map[int]any
	At         time.Time
}

type wireFrame struct {
	Opcode     Opcode         `json:"opcode"`
	Parameters map[string]any `json:"parameters"`
	At         time.Time      `json:"dt"`
}

// UnmarshalJSON decodes {"opcode":255,"parameters":{"254":3},"dt":"..."}.
// JSON object keys are strings; parameter keys must parse as integers.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	params, err := intKeys(w.Parameters)
	if err != nil {
		return err
	}
	f.Opcode = w.Opcode
	f.Parameters = params
	f.At = w.At
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{Opcode: f.Opcode, At: f.At, Parameters: make(map[string]any, len(f.Parameters))}
	for k, v := range f.Parameters {
		w.Parameters[strconv.Itoa(k)] = v
	}
	return json.Marshal(w)
}

// DecodeFrame decodes one JSON frame. Frames without a timestamp are
// malformed.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.At.IsZero() {
		return Frame{}, fmt.Errorf("%w: opcode %d without dt", ErrMalformed, f.Opcode)
	}
	return f, nil
}

func intKeys(m map[string]any) (map[int]any, error) {
	out := make(map[int]any, len(m))
	for k, v := range m {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter key %q", ErrMalformed, k)
		}
		out[n] = v
	}
	return out, nil
}

// asInt accepts the numeric shapes JSON, YAML and in-process callers
// produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInts(v any) ([]int, bool) {
	switch l := v.(type) {
	case []int:
		return l, true
	case []any:
		out := make([]int, 0, len(l))
		for _, e := range l {
			n, ok := asInt(e)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	return nil, false
}

// asIntMap accepts maps keyed by integers or by their decimal strings.
func asIntMap(v any) (map[int]any, bool) {
	switch m := v.(type) {
	case map[int]any:
		return m, true
	case map[string]any:
		out, err := intKeys(m)
		return out, err == nil
	case map[any]any:
		out := make(map[int]any, len(m))
		for k, e := range m {
			n, ok := asInt(k)
			if !ok {
				return nil, false
			}
			out[n] = e
		}
		return out, true
	}
	return nil, false
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, e := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = e
		}
		return out, true
	}
	return nil, false
}

func (f Frame) intParam(key int) (int, bool) {
	v, ok := f.Parameters[key]
	if !ok {
		return 0, false
	}
	return asInt(v)
}
