package gateway

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/routing"
)

// RouteMatcher attaches the matching upstream route to the request or replies 404.
func RouteMatcher(rr *routing.Router) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				hlog.FromRequest(r).Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("routes", len(rr.Routes())).
					Msg("no matching route")
				writeJSON(w, http.StatusNotFound, `{"error":"endpoint not found"}`)
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
