package telemetry

import (
	"net"
	"net/http"
	"strings"
)

// EnrichRequest fills request-derived metadata the client did not send and
// records server-side signals for the submission.
func EnrichRequest(r *http.Request, s *Session, trustProxy bool, tracker SubmissionTracker) {
	if s.Metadata.IP == "" {
		s.Metadata.IP = ClientIP(r, trustProxy)
	}
	if s.Metadata.UserAgent == "" {
		s.Metadata.UserAgent = r.UserAgent()
	}
	signals := AnalyzeRequest(r, s.ID, tracker)
	s.Signals = &signals
}

// ClientIP returns the caller address, honoring proxy headers only when the
// deployment sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
