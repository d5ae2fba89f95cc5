package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/routing"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler forwards the request unchanged to the upstream of the matched route.
func Handler(tr http.RoundTripper) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt.UpURL == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"route not in context"}`))
			return
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				if rt.StripPrefix {
					stripPrefix(pr.Out.URL, pr.In.URL.EscapedPath(), rt.Prefix)
				}
				pr.SetURL(rt.UpURL)
				pr.SetXForwarded()
				for k, v := range rt.Headers {
					pr.Out.Header.Set(k, v)
				}
			},
			Transport: tr,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				hlog.FromRequest(r).Error().Err(err).Str("route", rt.ID).Msg("upstream error")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
			},
		}

		ctx := r.Context()
		if rt.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
			defer cancel()
		}
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stripPrefix sets u's path to escaped minus prefix, keeping escapes such as
// %2F intact for the upstream.
func stripPrefix(u *url.URL, escaped, prefix string) {
	raw := "/" + strings.TrimLeft(strings.TrimPrefix(escaped, prefix), "/")
	p, err := url.PathUnescape(raw)
	if err != nil {
		u.Path, u.RawPath = raw, ""
		return
	}
	u.Path, u.RawPath = p, raw
}
