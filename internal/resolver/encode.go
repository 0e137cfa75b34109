package resolver

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// Cache entries persist the blanket closure with its traces so a hit can
// still report which explicit permission implied the match. Each element
// is "resource:action" for an explicit grant or
// "resource:action<resource:action" for an implied one.

const impliedBySep = "<"

// Encode serializes the blanket closure with trace information.
func (c *Closure) Encode() []string {
	perms := c.Permissions()
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		t := c.blanket[p]
		if t.ImpliedBy == nil {
			out = append(out, p.String())
			continue
		}
		out = append(out, p.String()+impliedBySep+t.ImpliedBy.String())
	}
	return out
}

// Decode rebuilds a Closure from its encoded form. Instance-scoped
// expansions are regenerated from the explicit "<action>_any" grants.
func Decode(encoded []string) (*Closure, error) {
	c := &Closure{
		blanket:  make(map[catalog.Permission]Trace, len(encoded)),
		instance: make(map[catalog.Permission]Trace, len(encoded)),
	}
	for _, raw := range encoded {
		spec, impliedBy, found := strings.Cut(raw, impliedBySep)
		perm, err := catalog.ParsePermission(spec)
		if err != nil {
			return nil, fmt.Errorf("resolver: decode %q: %w", raw, err)
		}
		t := Trace{Permission: perm}
		if found {
			source, err := catalog.ParsePermission(impliedBy)
			if err != nil {
				return nil, fmt.Errorf("resolver: decode %q: %w", raw, err)
			}
			t.ImpliedBy = &source
		}
		c.blanket[perm] = t
		c.instance[perm] = t
	}
	for perm, t := range c.blanket {
		if t.ImpliedBy != nil {
			continue
		}
		target, ok := catalog.InstanceTarget(perm.Action)
		if !ok {
			continue
		}
		source := perm
		c.admitInstance(Trace{
			Permission: catalog.Permission{Resource: perm.Resource, Action: target},
			ImpliedBy:  &source,
		})
	}
	return c, nil
}
