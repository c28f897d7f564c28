// Package origin derives the CORS origins the read API accepts.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Wildcard in the configured list allows any origin.
const Wildcard = "*"

// AllowedOrigins normalizes the configured origins. With none configured the
// loopback origins of the listen port are allowed, so a dashboard served from
// the same machine works without configuration.
func AllowedOrigins(listenAddr string, configured []string) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
	)
	add := func(o string) {
		if o == "" {
			return
		}
		if _, ok := seen[o]; ok {
			return
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}

	for _, raw := range configured {
		if strings.TrimSpace(raw) == Wildcard {
			return []string{Wildcard}
		}
		add(Normalize(raw))
	}
	if len(out) > 0 {
		return out
	}

	for _, o := range loopbackOrigins(listenAddr) {
		add(o)
	}
	return out
}

// Normalize returns scheme://host[:port] in lower case, or "" when raw is not
// an absolute URL.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func loopbackOrigins(listenAddr string) []string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" && host != "localhost" && host != "127.0.0.1" {
		hosts = append(hosts, host)
	}

	origins := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if strings.Contains(h, ":") {
			h = "[" + h + "]"
		}
		origins = append(origins, fmt.Sprintf("http://%s:%s", h, port))
	}
	return origins
}
