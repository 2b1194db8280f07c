package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// RequestSignals are server-observed hints about the client that submitted
// telemetry. They carry raw observations only; detectors do the scoring.
type RequestSignals struct {
	HeaderFingerprint string        `json:"header_fingerprint"`
	MissingHeaders    []string      `json:"missing_headers"`
	AutomationHeaders []string      `json:"automation_headers"`
	UserAgent         UAAnalysis    `json:"user_agent_analysis"`
	Timing            TimingSignals `json:"timing"`
}

// UAAnalysis contains user-agent string analysis.
type UAAnalysis struct {
	ContainsAutomation bool     `json:"contains_automation"`
	AutomationKeywords []string `json:"automation_keywords"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
}

// TimingSignals describe the spacing between submissions for a session.
type TimingSignals struct {
	IntervalMs         float64 `json:"interval_ms"`
	IntervalPrecision  int     `json:"interval_precision"` // e.g. 100 for exact 100ms multiples
	HasPreviousRequest bool    `json:"has_previous_request"`
}

// AutomationScore is the share of server signals that point at a script
// driving the client.
func (s *RequestSignals) AutomationScore() float64 {
	if s == nil {
		return 0
	}
	score := 0.0
	if s.UserAgent.ContainsAutomation {
		score += 0.5
	}
	if len(s.AutomationHeaders) > 0 {
		score += 0.3
	}
	if len(s.MissingHeaders) >= 3 {
		score += 0.1
	}
	if s.Timing.IntervalPrecision >= 100 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

var automationKeywords = []string{
	"headless", "selenium", "webdriver", "puppeteer",
	"playwright", "phantom", "jsdom", "nightmare",
	"automated", "bot", "crawler",
}

// AnalyzeUserAgent reports automation keywords, platform and browser.
func AnalyzeUserAgent(userAgent string) UAAnalysis {
	analysis := UAAnalysis{AutomationKeywords: []string{}}
	lowerUA := strings.ToLower(userAgent)

	for _, keyword := range automationKeywords {
		if strings.Contains(lowerUA, keyword) {
			analysis.ContainsAutomation = true
			analysis.AutomationKeywords = append(analysis.AutomationKeywords, keyword)
		}
	}
	analysis.Platform = extractPlatform(lowerUA)
	analysis.Browser = extractBrowser(lowerUA)
	return analysis
}

func extractPlatform(lowerUA string) string {
	// iOS UAs contain "Mac OS X", check them first
	switch {
	case strings.Contains(lowerUA, "iphone") || strings.Contains(lowerUA, "ipad"):
		return "iOS"
	case strings.Contains(lowerUA, "android"):
		return "Android"
	case strings.Contains(lowerUA, "windows"):
		return "Windows"
	case strings.Contains(lowerUA, "mac"):
		return "macOS"
	case strings.Contains(lowerUA, "cros"):
		return "ChromeOS"
	case strings.Contains(lowerUA, "linux"):
		return "Linux"
	}
	return ""
}

func extractBrowser(lowerUA string) string {
	switch {
	case strings.Contains(lowerUA, "edg"):
		return "Edge"
	case strings.Contains(lowerUA, "firefox"):
		return "Firefox"
	case strings.Contains(lowerUA, "chrome"):
		return "Chrome"
	case strings.Contains(lowerUA, "safari"):
		return "Safari"
	}
	return ""
}

func detectAutomationHeaders(headers http.Header) []string {
	var found []string
	for header, values := range headers {
		for _, value := range values {
			lowerValue := strings.ToLower(value)
			for _, keyword := range []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"} {
				if strings.Contains(lowerValue, keyword) {
					found = append(found, fmt.Sprintf("%s: %s", header, value))
					break
				}
			}
		}
	}
	// presence alone is suspicious for these
	for _, header := range []string{"Chrome-Proxy", "X-Devtools-Emulate-Network-Conditions-Client-Id"} {
		if value := headers.Get(header); value != "" {
			found = append(found, fmt.Sprintf("%s: %s", header, value))
		}
	}
	sort.Strings(found)
	return found
}

func checkMissingHeaders(headers http.Header) []string {
	missing := []string{}
	for _, expected := range []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"} {
		if headers.Get(expected) == "" {
			missing = append(missing, expected)
		}
	}
	return missing
}

// headerFingerprint hashes sorted header names with truncated values.
func headerFingerprint(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := headers.Get(key)
		if len(value) > 20 {
			value = value[:20] + "..."
		}
		parts = append(parts, key+":"+value)
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}

// AnalyzeRequest collects the server-side signals for one submission.
func AnalyzeRequest(r *http.Request, sessionID string, tracker SubmissionTracker) RequestSignals {
	return RequestSignals{
		HeaderFingerprint: headerFingerprint(r.Header),
		MissingHeaders:    checkMissingHeaders(r.Header),
		AutomationHeaders: detectAutomationHeaders(r.Header),
		UserAgent:         AnalyzeUserAgent(r.UserAgent()),
		Timing:            analyzeTiming(sessionID, tracker),
	}
}
