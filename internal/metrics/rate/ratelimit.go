// Package rate reports exchange-side throttling seen on REST responses.
package rate

import (
	"net/http"
	"regexp"
	"strings"

	"booksync/internal/metrics"
	"booksync/logger"
)

// ReportRateLimitExceeded counts a throttled request on endpoint.
func ReportRateLimitExceeded(log *logger.Log, endpoint, pair, ip string) {
	fields := logger.Fields{
		"exchange": "probit",
		"endpoint": endpoint,
		"pair":     pair,
		"ip":       ip,
	}
	metrics.RateLimited(endpoint)
	l := log.WithComponent("probit_rate_limit")
	l.LogMetric("probit_rate_limit", "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts a response that signals the source address was banned.
func ReportIPBan(log *logger.Log, endpoint, pair, ip string) {
	fields := logger.Fields{
		"exchange": "probit",
		"endpoint": endpoint,
		"pair":     pair,
		"ip":       ip,
	}
	l := log.WithComponent("probit_rate_limit")
	l.LogMetric("probit_rate_limit", "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// Letters and digits bound a word; underscores do not, so IP_BANNED matches.
var (
	ipWord  = regexp.MustCompile(`(^|[^a-z0-9])ip([^a-z0-9]|$)`)
	banWord = regexp.MustCompile(`(^|[^a-z0-9])(ban|banned|blocked)([^a-z0-9]|$)`)
)

// detectLimit classifies a response by status and body text.
func detectLimit(status int, body string) (rateLimit bool, ipBan bool) {
	lower := strings.ToLower(body)
	mentionsIP := ipWord.MatchString(lower)
	ipBan = mentionsIP && (status == http.StatusForbidden || banWord.MatchString(lower))
	rateLimit = !ipBan && (status == http.StatusTooManyRequests ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too_many_requests"))
	return
}

// ReportFromResponse records rate-limit or ban metrics when the response
// signals either. It reports whether anything was recorded.
func ReportFromResponse(log *logger.Log, endpoint, pair, ip string, status int, body string) bool {
	rateLimit, ipBan := detectLimit(status, body)
	if rateLimit {
		ReportRateLimitExceeded(log, endpoint, pair, ip)
	}
	if ipBan {
		ReportIPBan(log, endpoint, pair, ip)
	}
	return rateLimit || ipBan
}
