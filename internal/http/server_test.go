package httpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shortontech/goproctor/internal/analysis"
	"github.com/shortontech/goproctor/internal/metrics"
	"github.com/shortontech/goproctor/pkg/config"
)

func newTestEnv(t *testing.T) Env {
	t.Helper()
	return Env{
		Cfg:     config.Config{MaxBodyBytes: 1 << 20, RetentionDays: 30},
		Service: analysis.New(analysis.Deps{}, analysis.DefaultOptions()),
		Metrics: metrics.NewMetrics(),
	}
}

type response struct {
	status int
	body   map[string]any
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := response{status: rec.Code, body: map[string]any{}}
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out.body); err != nil {
			t.Fatalf("%s %s: invalid json %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return out
}

func keystrokeBody(sessionID string, n int) map[string]any {
	events := []any{}
	ts := 0.0
	for i := 0; i < n; i++ {
		key := string(rune('a' + i%26))
		events = append(events,
			map[string]any{"key": key, "type": "keydown", "timestamp": ts},
			map[string]any{"key": key, "type": "keyup", "timestamp": ts + 90},
		)
		ts += 90 + 120 + float64(i%7)*30
	}
	return map[string]any{"session_id": sessionID, "keystroke_data": events}
}

func responsesBody(sessionID string, n int) map[string]any {
	list := []any{}
	for i := 0; i < n; i++ {
		list = append(list, map[string]any{
			"question_id":     fmt.Sprintf("q%d", i),
			"selected_answer": string(rune('a' + i%4)),
			"is_correct":      i%3 != 0,
			"difficulty":      "medium",
			"response_time":   10 + float64(i%6)*4,
		})
	}
	return map[string]any{"session_id": sessionID, "session_data": list}
}

func TestHealthAndReady(t *testing.T) {
	h := NewMux(newTestEnv(t))
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestTelemetryRoutes(t *testing.T) {
	h := NewMux(newTestEnv(t))

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"keystrokes", "/api/telemetry/keystrokes", keystrokeBody("s1", 20), http.StatusOK},
		{"responses", "/api/telemetry/responses", responsesBody("s1", 12), http.StatusOK},
		{"mouse wrapped list", "/api/telemetry/mouse", map[string]any{"session_id": "s1", "mouse_data": map[string]any{"events": []any{}}}, http.StatusOK},
		{"timezone", "/api/telemetry/timezone", map[string]any{"session_id": "s1", "timezone_data": map[string]any{"system_timezone": "Europe/Berlin"}}, http.StatusOK},
		{"missing session id", "/api/telemetry/keystrokes", map[string]any{"keystroke_data": []any{}}, http.StatusBadRequest},
		{"missing payload", "/api/telemetry/mouse", map[string]any{"session_id": "s1"}, http.StatusBadRequest},
		{"unknown modality", "/api/telemetry/eeg", map[string]any{"session_id": "s1"}, http.StatusNotFound},
		{"not json", "/api/telemetry/keystrokes", "{nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := do(t, h, http.MethodPost, tt.path, tt.body, nil)
			if res.status != tt.want {
				t.Fatalf("status = %d, want %d (%v)", res.status, tt.want, res.body)
			}
			if tt.want == http.StatusOK {
				if res.body["success"] != true {
					t.Errorf("success = %v", res.body["success"])
				}
				if _, ok := res.body["analysis_result"].(map[string]any); !ok {
					t.Errorf("analysis_result missing: %v", res.body)
				}
				return
			}
			if res.body["success"] != false || res.body["error"] == "" {
				t.Errorf("error body = %v", res.body)
			}
		})
	}
}

func TestValidationErrorListsFields(t *testing.T) {
	h := NewMux(newTestEnv(t))
	res := do(t, h, http.MethodPost, "/api/telemetry/responses", map[string]any{}, nil)
	if res.status != http.StatusBadRequest {
		t.Fatalf("status = %d", res.status)
	}
	fields, _ := res.body["fields"].([]any)
	if len(fields) != 2 || fields[0] != "session_id" || fields[1] != "session_data" {
		t.Errorf("fields = %v", fields)
	}
}

func TestDeviceRoutesReportVMDetection(t *testing.T) {
	h := NewMux(newTestEnv(t))
	device := map[string]any{
		"session_id": "vm-1",
		"device_data": map[string]any{
			"hardware": "not an object",
			"gpu":      map[string]any{"renderer": "llvmpipe (LLVM 15.0.7, 256 bits)"},
			"screen":   map[string]any{"width": 1024, "height": 768},
		},
	}

	for _, path := range []string{"/api/telemetry/device", "/api/analysis/vm-detection"} {
		t.Run(path, func(t *testing.T) {
			res := do(t, h, http.MethodPost, path, device, nil)
			if res.status != http.StatusOK {
				t.Fatalf("status = %d: %v", res.status, res.body)
			}
			vm, ok := res.body["vm_detection"].(map[string]any)
			if !ok {
				t.Fatalf("vm_detection missing: %v", res.body)
			}
			if p, ok := vm["vm_probability"].(float64); !ok || p <= 0 {
				t.Errorf("vm_probability = %v", vm["vm_probability"])
			}
			cm, _ := vm["confidence_metrics"].(map[string]any)
			if q, ok := cm["detection_quality"].(float64); !ok || q >= 1 {
				t.Errorf("detection_quality = %v, want degraded below 1", cm["detection_quality"])
			}
		})
	}
}

func TestSummaryRoute(t *testing.T) {
	h := NewMux(newTestEnv(t))

	res := do(t, h, http.MethodGet, "/api/sessions/ghost/summary", nil, nil)
	if res.status != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", res.status)
	}

	do(t, h, http.MethodPost, "/api/telemetry/keystrokes", keystrokeBody("typist", 40), nil)
	res = do(t, h, http.MethodGet, "/api/sessions/typist/summary", nil, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d: %v", res.status, res.body)
	}
	sum, _ := res.body["session_summary"].(map[string]any)
	if sum["session_id"] != "typist" {
		t.Errorf("session_id = %v", sum["session_id"])
	}
	for _, key := range []string{
		"analysis_overview", "behavioral_fingerprint", "consistency_assessment", "automation_assessment",
		"risk_analysis", "behavioral_patterns", "session_metadata",
	} {
		if _, ok := sum[key]; !ok {
			t.Errorf("summary missing %s", key)
		}
	}
	auto, _ := sum["automation_assessment"].(map[string]any)
	if unavailable, _ := auto["unavailable"].(map[string]any); len(unavailable) == 0 {
		t.Errorf("automation_assessment should mark missing signals: %v", auto)
	}
}

func TestRiskAndAlertsRoundTrip(t *testing.T) {
	h := NewMux(newTestEnv(t))

	res := do(t, h, http.MethodPost, "/api/analysis/risk", map[string]any{"session_id": "empty"}, nil)
	if res.status != http.StatusOK {
		t.Fatalf("risk status = %d", res.status)
	}
	pr, _ := res.body["probability_results"].(map[string]any)
	if pr["composite_anomaly_probability"] != 0.0 {
		t.Errorf("composite = %v", pr["composite_anomaly_probability"])
	}
	if rc, _ := pr["risk_classification"].(map[string]any); rc["level"] != "MINIMAL" {
		t.Errorf("level = %v", rc["level"])
	}

	do(t, h, http.MethodPost, "/api/telemetry/responses", responsesBody("flagged", 10), nil)
	current := map[string]any{"id": "manual-1", "composite_anomaly_probability": "0.75", "risk_classification": "high"}
	for i := 0; i < 2; i++ {
		res = do(t, h, http.MethodPost, "/api/analysis/alerts", map[string]any{"session_id": "flagged", "current_risk_assessment": current}, nil)
		if res.status != http.StatusOK {
			t.Fatalf("alerts status = %d: %v", res.status, res.body)
		}
		alerts, _ := res.body["alerts"].([]any)
		if len(alerts) != 1 {
			t.Fatalf("alerts = %v", alerts)
		}
	}

	res = do(t, h, http.MethodGet, "/api/sessions/flagged/risk-history", nil, nil)
	history, _ := res.body["risk_history"].([]any)
	if len(history) != 1 {
		t.Fatalf("risk_history has %d entries, want 1", len(history))
	}
	res = do(t, h, http.MethodGet, "/api/sessions/flagged/alerts", nil, nil)
	if alerts, _ := res.body["alerts"].([]any); len(alerts) != 1 {
		t.Errorf("stored alerts = %v", alerts)
	}

	res = do(t, h, http.MethodPost, "/api/analysis/alerts", map[string]any{"session_id": "flagged", "current_risk_assessment": map[string]any{}}, nil)
	if alerts, _ := res.body["alerts"].([]any); res.status != http.StatusOK || len(alerts) != 0 {
		t.Errorf("empty assessment: status %d alerts %v", res.status, alerts)
	}
}

func TestListRoutesReturnEmptyLists(t *testing.T) {
	h := NewMux(newTestEnv(t))
	for path, key := range map[string]string{
		"/api/sessions/nobody/risk-history": "risk_history",
		"/api/sessions/nobody/detections":   "detection_results",
		"/api/sessions/nobody/alerts":       "alerts",
	} {
		res := do(t, h, http.MethodGet, path, nil, nil)
		if res.status != http.StatusOK {
			t.Errorf("%s status = %d", path, res.status)
			continue
		}
		if list, ok := res.body[key].([]any); !ok || len(list) != 0 {
			t.Errorf("%s %s = %v, want []", path, key, res.body[key])
		}
	}
}

func TestCollaborationRoute(t *testing.T) {
	h := NewMux(newTestEnv(t))

	res := do(t, h, http.MethodPost, "/api/analysis/collaboration", map[string]any{"session_id": "solo"}, nil)
	if res.status != http.StatusBadRequest {
		t.Fatalf("missing interaction_data status = %d", res.status)
	}

	data := responsesBody("solo", 10)["session_data"]
	res = do(t, h, http.MethodPost, "/api/analysis/collaboration", map[string]any{
		"session_id":       "solo",
		"interaction_data": map[string]any{"responses": data},
	}, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d: %v", res.status, res.body)
	}
	result, _ := res.body["analysis_result"].(map[string]any)
	if result["available"] != false || result["reason"] != "no comparison sessions" {
		t.Errorf("analysis_result = %v", result)
	}

	do(t, h, http.MethodPost, "/api/telemetry/responses", responsesBody("peer", 10), nil)
	res = do(t, h, http.MethodPost, "/api/analysis/collaboration", map[string]any{
		"session_id":       "solo",
		"interaction_data": map[string]any{"comparison_session_ids": []any{"peer"}},
	}, nil)
	result, _ = res.body["analysis_result"].(map[string]any)
	if result["available"] != true {
		t.Errorf("identical peer should be comparable: %v", result)
	}
}

func TestRunAnalysisRoute(t *testing.T) {
	h := NewMux(newTestEnv(t))

	res := do(t, h, http.MethodPost, "/api/analysis/run", map[string]any{"session_id": "ghost"}, nil)
	if res.status != http.StatusNotFound {
		t.Errorf("unknown session status = %d", res.status)
	}

	do(t, h, http.MethodPost, "/api/telemetry/responses", responsesBody("full", 10), nil)
	res = do(t, h, http.MethodPost, "/api/analysis/run", map[string]any{"session_id": "full"}, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d", res.status)
	}
	result, _ := res.body["analysis_result"].(map[string]any)
	if detections, _ := result["detections"].([]any); len(detections) != 6 {
		t.Errorf("detections = %d, want one per detector", len(detections))
	}
}

func TestDeviceReputationRoute(t *testing.T) {
	h := NewMux(newTestEnv(t))

	res := do(t, h, http.MethodGet, "/api/devices/unknown/reputation", nil, nil)
	if res.status != http.StatusNotFound {
		t.Errorf("unknown device status = %d", res.status)
	}

	do(t, h, http.MethodPost, "/api/telemetry/device", map[string]any{
		"session_id":  "d1",
		"device_data": map[string]any{"device_id": "laptop-7", "os": "macOS"},
	}, nil)
	res = do(t, h, http.MethodGet, "/api/devices/laptop-7/reputation", nil, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d", res.status)
	}
	rep, _ := res.body["device_reputation"].(map[string]any)
	if rep["sessions"] != 1.0 {
		t.Errorf("sessions = %v", rep["sessions"])
	}
}

func TestPurgeRoute(t *testing.T) {
	h := NewMux(newTestEnv(t))
	do(t, h, http.MethodPost, "/api/telemetry/keystrokes", keystrokeBody("recent", 12), nil)

	res := do(t, h, http.MethodPost, "/api/admin/retention/purge", map[string]any{"older_than_days": 1}, nil)
	if res.status != http.StatusOK || res.body["purged"] != 0.0 {
		t.Errorf("purge = %d %v", res.status, res.body)
	}
	res = do(t, h, http.MethodPost, "/api/admin/retention/purge", map[string]any{"older_than_days": "soon"}, nil)
	if res.status != http.StatusBadRequest {
		t.Errorf("bad days status = %d", res.status)
	}

	for _, days := range []int{config.MaxRetentionDays + 1, 200000} {
		res = do(t, h, http.MethodPost, "/api/admin/retention/purge", map[string]any{"older_than_days": days}, nil)
		if res.status != http.StatusBadRequest {
			t.Errorf("older_than_days=%d status = %d, want 400", days, res.status)
		}
	}
	res = do(t, h, http.MethodPost, "/api/admin/retention/purge", map[string]any{"older_than_days": config.MaxRetentionDays}, nil)
	if res.status != http.StatusOK || res.body["purged"] != 0.0 {
		t.Errorf("purge at max window = %d %v", res.status, res.body)
	}
	if res := do(t, h, http.MethodGet, "/api/sessions/recent/summary", nil, nil); res.status != http.StatusOK {
		t.Errorf("recent session was purged, summary status = %d", res.status)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.Auth = NewAuthenticator("test-secret", "goproctor")
	h := NewMux(env)

	analyst, err := env.Auth.Issue("ana", RoleAnalyst, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := env.Auth.Issue("root", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"ingest needs no token", http.MethodPost, "/api/telemetry/keystrokes", "", http.StatusOK},
		{"analysis without token", http.MethodPost, "/api/analysis/risk", "", http.StatusUnauthorized},
		{"analysis with analyst", http.MethodPost, "/api/analysis/risk", analyst, http.StatusOK},
		{"history with garbage token", http.MethodGet, "/api/sessions/a/risk-history", "abc.def.ghi", http.StatusUnauthorized},
		{"purge as analyst", http.MethodPost, "/api/admin/retention/purge", analyst, http.StatusForbidden},
		{"purge as admin", http.MethodPost, "/api/admin/retention/purge", admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.token != "" {
				headers["Authorization"] = "Bearer " + tt.token
			}
			body := map[string]any{"session_id": "a"}
			if strings.HasPrefix(tt.path, "/api/telemetry") {
				body = keystrokeBody("a", 12)
			}
			var payload any = body
			if tt.method == http.MethodGet {
				payload = nil
			}
			res := do(t, h, tt.method, tt.path, payload, headers)
			if res.status != tt.want {
				t.Errorf("status = %d, want %d (%v)", res.status, tt.want, res.body)
			}
		})
	}
}

func TestSignedIngest(t *testing.T) {
	env := newTestEnv(t)
	env.HMACAuth = NewHMACAuth("shared", true, nil)
	h := NewMux(env)

	raw, _ := json.Marshal(keystrokeBody("signed", 12))
	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"valid", env.HMACAuth.Sign(raw), http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong", strings.Repeat("0", 64), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.signature != "" {
				headers[HMACHeader] = tt.signature
			}
			res := do(t, h, http.MethodPost, "/api/telemetry/keystrokes", string(raw), headers)
			if res.status != tt.want {
				t.Errorf("status = %d, want %d", res.status, tt.want)
			}
		})
	}
}

func TestRateLimitedPosts(t *testing.T) {
	env := newTestEnv(t)
	env.Limiter = NewRateLimiter(1, 2, false)
	h := NewMux(env)

	codes := []int{}
	for i := 0; i < 3; i++ {
		res := do(t, h, http.MethodPost, "/api/analysis/risk", map[string]any{"session_id": "x"}, nil)
		codes = append(codes, res.status)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// GETs are not limited.
	res := do(t, h, http.MethodGet, "/api/sessions/x/alerts", nil, nil)
	if res.status != http.StatusOK {
		t.Errorf("GET status = %d", res.status)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewMux(newTestEnv(t))
	req := httptest.NewRequest(http.MethodOptions, "/api/telemetry/keystrokes", nil)
	req.Header.Set("Origin", "https://exam.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, "+HMACHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if rec.Code >= 300 {
		t.Errorf("preflight status = %d", rec.Code)
	}
}
