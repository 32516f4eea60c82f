package tools

import (
	"fmt"
	"sort"

	"scamprobe/internal/domain"
)

// Route maps an entity type to the adapters that investigate it, in order.
type Route struct {
	Type     domain.EntityType
	Adapters []Adapter
}

// Registry is built once at startup and only read afterwards.
type Registry struct {
	routes map[domain.EntityType][]Adapter
	names  []string
}

func NewRegistry(routes ...Route) (*Registry, error) {
	r := &Registry{routes: make(map[domain.EntityType][]Adapter, len(routes))}
	seen := map[string]bool{}
	for _, route := range routes {
		if _, dup := r.routes[route.Type]; dup {
			return nil, fmt.Errorf("duplicate route for %s", route.Type)
		}
		names := map[string]bool{}
		adapters := make([]Adapter, 0, len(route.Adapters))
		for _, a := range route.Adapters {
			if a == nil {
				continue
			}
			if !a.Supports(route.Type) {
				return nil, fmt.Errorf("tool %s does not support %s", a.Name(), route.Type)
			}
			if names[a.Name()] {
				return nil, fmt.Errorf("tool %s listed twice for %s", a.Name(), route.Type)
			}
			names[a.Name()] = true
			adapters = append(adapters, a)
			if !seen[a.Name()] {
				seen[a.Name()] = true
				r.names = append(r.names, a.Name())
			}
		}
		r.routes[route.Type] = adapters
	}
	sort.Strings(r.names)
	return r, nil
}

// For returns the adapters for t; callers get their own slice.
func (r *Registry) For(t domain.EntityType) []Adapter {
	return append([]Adapter(nil), r.routes[t]...)
}

// Names lists every registered tool name, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// MaxRouteLen is the longest adapter list of any route.
func (r *Registry) MaxRouteLen() int {
	n := 0
	for _, as := range r.routes {
		if len(as) > n {
			n = len(as)
		}
	}
	return n
}

// DefaultOrder is the routing table by tool name. Tools absent from the
// given set are skipped.
var DefaultOrder = map[domain.EntityType][]string{
	domain.EntityPhone:   {ScamRecordName, BusinessRegistryName, NumberFormatName, WebSearchName},
	domain.EntityURL:     {ScamRecordName, DomainReputationName, BusinessRegistryName, WebSearchName},
	domain.EntityEmail:   {ScamRecordName, DomainReputationName, BusinessRegistryName, WebSearchName},
	domain.EntityPayment: {ScamRecordName, WebSearchName},
	domain.EntityAmount:  {},
}

// DefaultRoutes builds routes from DefaultOrder for the given adapters.
func DefaultRoutes(adapters ...Adapter) []Route {
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			byName[a.Name()] = a
		}
	}
	types := []domain.EntityType{domain.EntityPhone, domain.EntityURL, domain.EntityEmail, domain.EntityPayment, domain.EntityAmount}
	routes := make([]Route, 0, len(types))
	for _, t := range types {
		route := Route{Type: t}
		for _, name := range DefaultOrder[t] {
			if a, ok := byName[name]; ok {
				route.Adapters = append(route.Adapters, a)
			}
		}
		routes = append(routes, route)
	}
	return routes
}
