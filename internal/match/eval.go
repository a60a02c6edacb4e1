// Package match implements the small predicate language used by category
// rules. Expressions are compiled once when rules load and evaluated per
// event with no further parsing.
package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// Fields resolves a dotted path to a string value.
type Fields interface {
	Resolve(path []string) (string, bool)
}

// Expr is a compiled predicate.
type Expr interface {
	Eval(f Fields) bool
}

type allOf [2]Expr

func (e allOf) Eval(f Fields) bool { return e[0].Eval(f) && e[1].Eval(f) }

type anyOf [2]Expr

func (e anyOf) Eval(f Fields) bool { return e[0].Eval(f) || e[1].Eval(f) }

type negate struct{ inner Expr }

func (e negate) Eval(f Fields) bool { return !e.inner.Eval(f) }

type compare struct {
	path    []string
	value   string
	negated bool
}

func (e compare) Eval(f Fields) bool {
	v, _ := f.Resolve(e.path)
	return (v == e.value) != e.negated
}

type containsExpr struct {
	path []string
	sub  string // lower-cased
}

func (e containsExpr) Eval(f Fields) bool {
	v, _ := f.Resolve(e.path)
	return strings.Contains(strings.ToLower(v), e.sub)
}

type inExpr struct {
	path []string
	set  map[string]struct{}
}

func (e inExpr) Eval(f Fields) bool {
	v, _ := f.Resolve(e.path)
	_, ok := e.set[v]
	return ok
}

// EventFields exposes an event to expressions.
type EventFields struct {
	Event *activity.Event
}

// Resolve implements Fields. Top-level names map to event attributes;
// "details.<key>..." walks the raw payload.
func (c EventFields) Resolve(path []string) (string, bool) {
	if len(path) == 0 || c.Event == nil {
		return "", false
	}
	ev := c.Event
	if len(path) == 1 {
		switch path[0] {
		case "action":
			return ev.Action, true
		case "target_type":
			return ev.TargetType, true
		case "actor_role":
			return string(ev.ActorRole), true
		case "actor_id":
			return ev.ActorID, true
		case "target_label":
			return ev.TargetLabel, true
		case "actor_label":
			return ev.ActorLabel, true
		case "kind":
			return ev.Details.Kind.String(), true
		}
		return "", false
	}
	if path[0] != "details" {
		return "", false
	}
	v, ok := ev.Details.Lookup(path[1:]...)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", true
	}
	return fmt.Sprintf("%v", v), true
}
