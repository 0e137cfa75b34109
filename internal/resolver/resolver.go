// Package resolver expands a subject's raw permission set into its full
// closure and answers whether a concrete check is satisfied by it.
package resolver

import (
	"sort"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// Trace records how a permission entered the closure. ImpliedBy is nil
// for explicitly assigned permissions.
type Trace struct {
	Permission catalog.Permission
	ImpliedBy  *catalog.Permission
}

// Grant is the outcome of a satisfied check: the permission that matched
// and, when it was implied, the explicit permission it derives from.
type Grant struct {
	Permission catalog.Permission
	ImpliedBy  *catalog.Permission
}

// Closure is a subject's resolved permission set. Blanket grants hold
// regardless of resource instance; instance grants additionally include
// the "<action>_any" expansions, which apply only when a concrete
// resource ID is part of the check.
type Closure struct {
	blanket  map[catalog.Permission]Trace
	instance map[catalog.Permission]Trace
}

// Expand computes the closure of the explicit permission set.
func Expand(explicit []catalog.Permission) *Closure {
	c := &Closure{
		blanket:  make(map[catalog.Permission]Trace, len(explicit)*2),
		instance: make(map[catalog.Permission]Trace, len(explicit)*2),
	}
	for _, p := range explicit {
		c.admitBlanket(Trace{Permission: p})
	}
	// "<action>_any" reaches the concrete action (and whatever that
	// implies) only for instance-addressed checks.
	for _, p := range explicit {
		target, ok := catalog.InstanceTarget(p.Action)
		if !ok {
			continue
		}
		source := p
		c.admitInstance(Trace{
			Permission: catalog.Permission{Resource: p.Resource, Action: target},
			ImpliedBy:  &source,
		})
	}
	return c
}

func (c *Closure) admitBlanket(t Trace) {
	if _, ok := c.blanket[t.Permission]; ok {
		return
	}
	c.blanket[t.Permission] = t
	if _, ok := c.instance[t.Permission]; !ok {
		c.instance[t.Permission] = t
	}
	root := t.Permission
	if t.ImpliedBy != nil {
		root = *t.ImpliedBy
	}
	for _, q := range catalog.Implied(t.Permission) {
		source := root
		c.admitBlanket(Trace{Permission: q, ImpliedBy: &source})
	}
}

func (c *Closure) admitInstance(t Trace) {
	if _, ok := c.instance[t.Permission]; ok {
		return
	}
	c.instance[t.Permission] = t
	root := t.Permission
	if t.ImpliedBy != nil {
		root = *t.ImpliedBy
	}
	for _, q := range catalog.Implied(t.Permission) {
		source := root
		c.admitInstance(Trace{Permission: q, ImpliedBy: &source})
	}
}

// Satisfies reports whether the closure covers the action on the resource.
// Instance-scoped grants are consulted only when resourceID is non-empty.
func (c *Closure) Satisfies(action catalog.Action, resource catalog.Resource, resourceID string) (Grant, bool) {
	if c == nil {
		return Grant{}, false
	}
	want := catalog.Permission{Resource: resource, Action: action}
	if t, ok := c.blanket[want]; ok {
		return Grant{Permission: t.Permission, ImpliedBy: t.ImpliedBy}, true
	}
	if resourceID == "" {
		return Grant{}, false
	}
	if t, ok := c.instance[want]; ok {
		return Grant{Permission: t.Permission, ImpliedBy: t.ImpliedBy}, true
	}
	return Grant{}, false
}

// Holds reports whether the closure contains the exact permission as a
// blanket grant. Boundary rules use it to test a grantor's own closure.
func (c *Closure) Holds(p catalog.Permission) bool {
	if c == nil {
		return false
	}
	_, ok := c.blanket[p]
	return ok
}

// Permissions lists the blanket closure in canonical order, as stored in
// cache entries.
func (c *Closure) Permissions() []catalog.Permission {
	out := make([]catalog.Permission, 0, len(c.blanket))
	for p := range c.blanket {
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

// Traces lists every trace in the instance-expanded closure, for audit
// and debugging output.
func (c *Closure) Traces() []Trace {
	out := make([]Trace, 0, len(c.instance))
	for _, t := range c.instance {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission.Resource != out[j].Permission.Resource {
			return out[i].Permission.Resource < out[j].Permission.Resource
		}
		return out[i].Permission.Action < out[j].Permission.Action
	})
	return out
}
