package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agjmills/cloudfiles/internal/apperror"
	"github.com/agjmills/cloudfiles/internal/logger"
	"github.com/agjmills/cloudfiles/internal/metrics"
	"github.com/agjmills/cloudfiles/internal/respond"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
)

var errRateLimited = apperror.New(apperror.KindRateLimited, "too many requests, please try again later")

// RateLimiter allows a burst of limit requests per client IP, refilled evenly
// over window. Client IPs are taken from proxy headers only when the direct
// peer is a trusted proxy.
type RateLimiter struct {
	lmt          *limiter.Limiter
	trustedCIDRs []*net.IPNet
}

func NewRateLimiter(limit int, window time.Duration, trustedProxies []string) *RateLimiter {
	lmt := tollbooth.NewLimiter(float64(limit)/window.Seconds(), &limiter.ExpirableOptions{
		DefaultExpirationTTL: window,
	})
	lmt.SetBurst(limit)

	return &RateLimiter{
		lmt:          lmt,
		trustedCIDRs: ParseTrustedCIDRs(trustedProxies),
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.trustedCIDRs)
		if httpErr := tollbooth.LimitByKeys(rl.lmt, []string{ip}); httpErr != nil {
			metrics.RateLimited.Inc()
			logger.FromContext(r.Context()).Warn("rate limit exceeded",
				"client_ip", ip,
				"path", r.URL.Path,
			)
			respond.Error(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseTrustedCIDRs parses a list of CIDR strings into net.IPNet objects.
// Bare IPs become /32 or /128. Invalid entries are logged and skipped.
func ParseTrustedCIDRs(cidrs []string) []*net.IPNet {
	var result []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 128
				if ip.To4() != nil {
					bits = 32
				}
				result = append(result, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		result = append(result, ipNet)
	}
	return result
}

// isIPInCIDRs reports whether addr (with or without port) is inside any range.
func isIPInCIDRs(addr string, cidrs []*net.IPNet) bool {
	ip := net.ParseIP(stripPort(addr))
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the client address for r. When the peer is a trusted
// proxy, X-Real-IP wins, then the leftmost X-Forwarded-For entry.
func ClientIP(r *http.Request, trustedCIDRs []*net.IPNet) string {
	if FromTrustedProxy(r, trustedCIDRs) {
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if clientIP := strings.TrimSpace(first); clientIP != "" {
				return clientIP
			}
		}
	}
	return stripPort(r.RemoteAddr)
}

// FromTrustedProxy reports whether the peer that sent r is a trusted proxy,
// so its forwarding headers may be believed.
func FromTrustedProxy(r *http.Request, trustedCIDRs []*net.IPNet) bool {
	return len(trustedCIDRs) > 0 && isIPInCIDRs(r.RemoteAddr, trustedCIDRs)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
