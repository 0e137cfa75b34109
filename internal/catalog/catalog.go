// Package catalog defines the permission vocabulary: actions, resource
// names, and the implication rules between actions.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action is a closed enum of operations a permission can cover.
type Action string

const (
	ActionCreate    Action = "create"
	ActionView      Action = "view"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionViewAny   Action = "view_any"
	ActionUpdateAny Action = "update_any"
	ActionDeleteAny Action = "delete_any"
	ActionManage    Action = "manage"
)

// ErrUnknownAction indicates an action outside the enum.
var ErrUnknownAction = errors.New("catalog: unknown action")

// ErrInvalidResource indicates a malformed resource name.
var ErrInvalidResource = errors.New("catalog: invalid resource name")

var allActions = map[Action]struct{}{
	ActionCreate:    {},
	ActionView:      {},
	ActionUpdate:    {},
	ActionDelete:    {},
	ActionViewAny:   {},
	ActionUpdateAny: {},
	ActionDeleteAny: {},
	ActionManage:    {},
}

// implies holds the unconditional implication edges between actions.
// Reflexive and transitive closure is computed by Closure.
var implies = map[Action][]Action{
	ActionUpdate: {ActionView},
	ActionDelete: {ActionView},
	ActionManage: {ActionUpdate, ActionView},
}

// instanceImplies maps an "<action>_any" to the concrete action it covers.
// These edges only apply when a check names a specific resource instance,
// so they are kept out of the unconditional closure.
var instanceImplies = map[Action]Action{
	ActionViewAny:   ActionView,
	ActionUpdateAny: ActionUpdate,
	ActionDeleteAny: ActionDelete,
}

// ParseAction validates a raw action string against the enum.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allActions[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return a, nil
}

// Valid reports whether the action belongs to the enum.
func (a Action) Valid() bool {
	_, ok := allActions[a]
	return ok
}

// InstanceScoped reports whether the action is an "<action>_any" variant.
func (a Action) InstanceScoped() bool {
	_, ok := instanceImplies[a]
	return ok
}

// InstanceTarget returns the concrete action an "<action>_any" variant
// covers when a resource instance is named.
func InstanceTarget(a Action) (Action, bool) {
	target, ok := instanceImplies[a]
	return target, ok
}

var resourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Resource is a validated resource type name (e.g. "documents").
type Resource string

// ParseResource validates a raw resource name.
func ParseResource(raw string) (Resource, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if !resourcePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, raw)
	}
	return Resource(name), nil
}

// Permission pairs a resource with an action.
type Permission struct {
	Resource Resource
	Action   Action
}

// String renders the canonical "resource:action" form.
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// ParsePermission parses the canonical "resource:action" form.
func ParsePermission(raw string) (Permission, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Permission{}, fmt.Errorf("catalog: permission %q must be resource:action", raw)
	}
	resource, err := ParseResource(parts[0])
	if err != nil {
		return Permission{}, err
	}
	action, err := ParseAction(parts[1])
	if err != nil {
		return Permission{}, err
	}
	return Permission{Resource: resource, Action: action}, nil
}

// Implied returns the permissions unconditionally implied by p, excluding
// p itself. Instance-scoped "_any" edges are not part of this set.
func Implied(p Permission) []Permission {
	targets := implies[p.Action]
	if len(targets) == 0 {
		return nil
	}
	out := make([]Permission, 0, len(targets))
	for _, a := range targets {
		out = append(out, Permission{Resource: p.Resource, Action: a})
	}
	return out
}

// Closure computes the reflexive-transitive closure of the explicit set
// under the unconditional implication rules. The result is sorted and
// deduplicated; Closure(Closure(x)) == Closure(x).
func Closure(explicit []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(explicit)*2)
	queue := make([]Permission, 0, len(explicit))
	for _, p := range explicit {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		queue = append(queue, p)
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, q := range Implied(p) {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			queue = append(queue, q)
		}
	}
	out := make([]Permission, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out
}
