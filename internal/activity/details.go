package activity

import (
	"encoding/json"
	"strconv"
)

// DetailsKind discriminates the recognised payload shapes.
type DetailsKind int

const (
	KindUnrenderable DetailsKind = iota
	KindMessage
	KindDiff
	KindNarrative
)

func (k DetailsKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDiff:
		return "diff"
	case KindNarrative:
		return "narrative"
	default:
		return "unrenderable"
	}
}

// Diff is a structural before/after field map.
type Diff struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// Narrative is the actor / action / target triple.
type Narrative struct {
	Actor           string `json:"actor"`
	ActionPerformed string `json:"action_performed"`
	TargetName      string `json:"target_name,omitempty"`
}

// Details is the classified event payload. Exactly one of Message, Diff or
// Narrative is meaningful, selected by Kind. The raw payload is retained for
// secondary references and rule matching.
type Details struct {
	Kind      DetailsKind
	Message   string
	Diff      Diff
	Narrative Narrative
	raw       map[string]any
}

// ParseDetails classifies a loosely structured payload. Precedence is
// message, then diff, then narrative.
func ParseDetails(raw map[string]any) Details {
	d := Details{Kind: KindUnrenderable, raw: raw}
	if raw == nil {
		return d
	}
	if msg, ok := raw["message"].(string); ok && msg != "" {
		d.Kind = KindMessage
		d.Message = msg
		return d
	}
	before, okBefore := raw["before"].(map[string]any)
	after, okAfter := raw["after"].(map[string]any)
	if okBefore && okAfter {
		d.Kind = KindDiff
		d.Diff = Diff{Before: before, After: after}
		return d
	}
	actor, _ := raw["actor"].(string)
	performed, _ := raw["action_performed"].(string)
	if actor != "" && performed != "" {
		target, _ := raw["target_name"].(string)
		d.Kind = KindNarrative
		d.Narrative = Narrative{Actor: actor, ActionPerformed: performed, TargetName: target}
	}
	return d
}

// MessageDetails builds a free-text payload.
func MessageDetails(msg string) Details {
	return ParseDetails(map[string]any{"message": msg})
}

// Renderable reports whether the payload has displayable content.
func (d Details) Renderable() bool {
	return d.Kind != KindUnrenderable
}

// Raw returns the payload as received.
func (d Details) Raw() map[string]any {
	return d.raw
}

// Lookup walks a key path into the raw payload.
func (d Details) Lookup(path ...string) (any, bool) {
	var cur any = d.raw
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, len(path) > 0
}

// ref reads an identifier that may have been encoded as a string or number.
func (d Details) ref(key string) string {
	v, ok := d.raw[key]
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int:
		return strconv.Itoa(id)
	}
	return ""
}

// MarshalJSON writes the raw payload back out.
func (d Details) MarshalJSON() ([]byte, error) {
	if d.raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.raw)
}

// UnmarshalJSON decodes and classifies a payload.
func (d *Details) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = ParseDetails(raw)
	return nil
}
