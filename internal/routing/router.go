package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Route maps a path prefix under the API namespace to an upstream service.
type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration
	Headers map[string]string // set on every upstream request

	// StripPrefix removes Prefix from the path before it is joined to UpURL.
	StripPrefix bool
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route accepting method whose prefix covers path on a
// segment boundary ("/api/v1/parcels" matches "/api/v1/parcels/12" but not
// "/api/v1/parcelsX").
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
