package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/mwhitford/aegis/internal/models"
)

// Identity headers injected on proxied requests. Upstreams trust these
// because only the gateway can reach them.
const (
	HeaderPrincipalID   = "X-Auth-Principal-Id"
	HeaderPrincipalType = "X-Auth-Principal-Type"
	HeaderPrincipalName = "X-Auth-Principal-Name"
	HeaderRoles         = "X-Auth-Roles"
	HeaderRequestID     = "X-Request-Id"
)

// Proxy forwards authorized requests to upstream services.
type Proxy struct {
	transport http.RoundTripper
	logger    *slog.Logger
}

func NewProxy(logger *slog.Logger) *Proxy {
	return &Proxy{
		transport: &http.Transport{
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Forward rewrites the request for the route's upstream and streams the
// response back. Inbound identity headers are always stripped first so a
// client can never smuggle its own.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *models.Route, caller *Caller) {
	target, err := url.Parse(route.UpstreamURL)
	if err != nil {
		p.logger.Error("invalid upstream url",
			slog.String("route_id", route.ID),
			slog.String("upstream", route.UpstreamURL),
			slog.String("error", err.Error()),
		)
		http.Error(w, `{"error":"bad gateway"}`, http.StatusBadGateway)
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.URL.Path = upstreamPath(route, r.URL.Path)
			pr.Out.Host = target.Host

			clearIdentityHeaders(pr.Out.Header)
			if caller != nil {
				pr.Out.Header.Set(HeaderPrincipalID, caller.ID)
				pr.Out.Header.Set(HeaderPrincipalName, caller.Label)
				if caller.IsService {
					pr.Out.Header.Set(HeaderPrincipalType, "service")
				} else {
					pr.Out.Header.Set(HeaderPrincipalType, "user")
				}
				if len(caller.Roles) > 0 {
					pr.Out.Header.Set(HeaderRoles, strings.Join(caller.Roles, ","))
				}
			}
			if reqID := r.Header.Get(HeaderRequestID); reqID != "" {
				pr.Out.Header.Set(HeaderRequestID, reqID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error("upstream request failed",
				slog.String("route_id", route.ID),
				slog.String("upstream", route.UpstreamURL),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"bad gateway"}`)
		},
	}

	rp.ServeHTTP(w, r)
}

// upstreamPath applies the route's prefix rules to the inbound path.
func upstreamPath(route *models.Route, inbound string) string {
	path := inbound
	if route.StripPrefix {
		prefix := staticPrefix(route.PathPattern)
		if prefix != "" && strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
		}
	}
	if route.UpstreamPathPrefix != "" {
		path = strings.TrimSuffix(route.UpstreamPathPrefix, "/") + path
	}
	return path
}

// staticPrefix returns the leading literal portion of a pattern, up to the
// first wildcard or parameter segment.
func staticPrefix(pattern string) string {
	parts := splitPath(pattern)
	var literal []string
	for _, part := range parts {
		if part == "*" || part == "**" || strings.HasPrefix(part, "{") {
			break
		}
		literal = append(literal, part)
	}
	if len(literal) == 0 {
		return ""
	}
	return "/" + strings.Join(literal, "/")
}

func clearIdentityHeaders(h http.Header) {
	h.Del(HeaderPrincipalID)
	h.Del(HeaderPrincipalType)
	h.Del(HeaderPrincipalName)
	h.Del(HeaderRoles)
}
