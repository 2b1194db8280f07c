package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shortontech/goproctor/internal/analysis"
	"github.com/shortontech/goproctor/internal/detection"
	"github.com/shortontech/goproctor/internal/metrics"
	"github.com/shortontech/goproctor/internal/reputation"
	"github.com/shortontech/goproctor/internal/risk"
	"github.com/shortontech/goproctor/internal/store"
	"github.com/shortontech/goproctor/internal/telemetry"
	cfg "github.com/shortontech/goproctor/pkg/config"
)

type Env struct {
	Cfg      cfg.Config
	Service  *analysis.Service
	HMACAuth *HMACAuth // nil disables signature checks
	Auth     *Authenticator
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// telemetryRoutes maps the path segment under /api/telemetry to a modality.
var telemetryRoutes = map[string]telemetry.Modality{
	"keystrokes": telemetry.ModalityKeystroke,
	"mouse":      telemetry.ModalityMouse,
	"responses":  telemetry.ModalityResponses,
	"device":     telemetry.ModalityDevice,
	"timezone":   telemetry.ModalityTimezone,
	"network":    telemetry.ModalityNetwork,
}

func (e Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Service != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.Service.Ready(ctx); err != nil {
			e.logger().Warn("http: store not ready", zap.Error(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Telemetry ingests one modality payload: POST /api/telemetry/{modality}.
func (e Env) Telemetry(w http.ResponseWriter, r *http.Request) {
	m, ok := telemetryRoutes[chi.URLParam(r, "modality")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown telemetry type", nil)
		return
	}
	body, ok := e.readBody(w, r, true)
	if !ok {
		return
	}
	res, err := e.Service.Submit(r.Context(), m, body, r)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	out := map[string]any{"analysis_result": res}
	if m == telemetry.ModalityDevice {
		out["vm_detection"] = vmDetails(res)
	}
	writeSuccess(w, out)
}

// VMDetection: POST /api/analysis/vm-detection with device_data.
func (e Env) VMDetection(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r, true)
	if !ok {
		return
	}
	res, err := e.Service.Submit(r.Context(), telemetry.ModalityDevice, body, r)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"vm_detection": vmDetails(res)})
}

func vmDetails(res *analysis.SubmitResult) *detection.VMDetails {
	if d, ok := res.Detection(detection.TypeVM); ok && d.VM != nil {
		return d.VM
	}
	return &detection.VMDetails{Classification: detection.VerdictUnknown, Signals: []detection.VMSignal{}}
}

// Collaboration: POST /api/analysis/collaboration. interaction_data may
// carry the session's responses, which are ingested first, and the ids of
// the sessions to compare against.
func (e Env) Collaboration(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r, true)
	if !ok {
		return
	}
	sessionID, _ := body["session_id"].(string)
	data, _ := body["interaction_data"].(map[string]any)
	if sessionID == "" || body["interaction_data"] == nil {
		fields := []string{}
		if sessionID == "" {
			fields = append(fields, "session_id")
		}
		if body["interaction_data"] == nil {
			fields = append(fields, "interaction_data")
		}
		e.fail(w, r, &telemetry.ValidationError{Fields: fields})
		return
	}

	if data != nil && hasAny(data, "responses", "answers") {
		submit := map[string]any{"session_id": sessionID, "session_data": data}
		if _, err := e.Service.Submit(r.Context(), telemetry.ModalityResponses, submit, r); err != nil {
			e.fail(w, r, err)
			return
		}
	}

	ids := stringList(body["comparison_session_ids"])
	if data != nil {
		ids = append(ids, stringList(firstOf(data, "comparison_session_ids", "comparison_sessions", "compare_with"))...)
	}
	res, err := e.Service.DetectCollaboration(r.Context(), sessionID, ids)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"analysis_result": res})
}

// RunAnalysis: POST /api/analysis/run re-runs every detector.
func (e Env) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	body, sessionID, ok := e.sessionBody(w, r)
	if !ok {
		return
	}
	results, err := e.Service.Analyze(r.Context(), sessionID, stringList(body["comparison_session_ids"]))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"analysis_result": map[string]any{
		"session_id": sessionID,
		"detections": results,
	}})
}

// Risk: POST /api/analysis/risk composes and stores an assessment.
func (e Env) Risk(w http.ResponseWriter, r *http.Request) {
	_, sessionID, ok := e.sessionBody(w, r)
	if !ok {
		return
	}
	a, err := e.Service.ComposeRisk(r.Context(), sessionID)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"probability_results": a})
}

// Alerts: POST /api/analysis/alerts. Without current_risk_assessment the
// session's risk is composed first.
func (e Env) Alerts(w http.ResponseWriter, r *http.Request) {
	body, sessionID, ok := e.sessionBody(w, r)
	if !ok {
		return
	}
	var current *risk.Assessment
	if raw, present := body["current_risk_assessment"]; present && raw != nil {
		a, err := decodeAssessment(raw)
		if err != nil {
			e.fail(w, r, err)
			return
		}
		current = a
	}
	alerts, err := e.Service.TriggerAlerts(r.Context(), sessionID, current)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"alerts": alerts})
}

func (e Env) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := e.Service.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"session_summary": sum})
}

func (e Env) RiskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := e.Service.RiskHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"risk_history": history})
}

func (e Env) Detections(w http.ResponseWriter, r *http.Request) {
	results, err := e.Service.DetectionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"detection_results": results})
}

func (e Env) SessionAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := e.Service.Alerts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"alerts": alerts})
}

func (e Env) DeviceReputation(w http.ResponseWriter, r *http.Request) {
	d, err := e.Service.DeviceReputation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"device_reputation": d})
}

// Purge: POST /api/admin/retention/purge {"older_than_days": n}.
func (e Env) Purge(w http.ResponseWriter, r *http.Request) {
	body, ok := e.readBody(w, r, false)
	if !ok {
		return
	}
	days := e.Cfg.RetentionDays
	if v, present := body["older_than_days"]; present {
		n, ok := number(v)
		if !ok || n < 0 || n > cfg.MaxRetentionDays {
			e.fail(w, r, &telemetry.ValidationError{Fields: []string{"older_than_days"}})
			return
		}
		days = int(n)
	}
	before := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := e.Service.Purge(r.Context(), before)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		e.logger().Info("http: retention purge", zap.String("subject", p.Subject), zap.Int("sessions", n))
	}
	writeSuccess(w, map[string]any{"purged": n, "before": before})
}

// readBody reads and decodes a JSON object body. Ingest bodies are checked
// against the HMAC signature. An empty body decodes to an empty object.
func (e Env) readBody(w http.ResponseWriter, r *http.Request, signed bool) (map[string]any, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json", nil)
		return nil, false
	}
	limit := e.Cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return nil, false
	}
	if signed && e.HMACAuth != nil && !e.HMACAuth.VerifyHMAC(r, raw) {
		writeError(w, http.StatusUnauthorized, "invalid or missing HMAC signature", nil)
		return nil, false
	}
	body := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, true
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object", nil)
		return nil, false
	}
	return body, true
}

func (e Env) sessionBody(w http.ResponseWriter, r *http.Request) (map[string]any, string, bool) {
	body, ok := e.readBody(w, r, false)
	if !ok {
		return nil, "", false
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		e.fail(w, r, &telemetry.ValidationError{Fields: []string{"session_id"}})
		return nil, "", false
	}
	return body, sessionID, true
}

// fail maps an error to its status: validation 400, unknown session or
// device 404, exhausted transient storage failures 503, anything else 500.
func (e Env) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *telemetry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error(), verr.Fields)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found", nil)
	case errors.Is(err, reputation.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "device not found", nil)
	case store.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		e.logger().Warn("http: storage unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable", nil)
	default:
		e.logger().Error("http: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", nil)
	}
}

func writeSuccess(w http.ResponseWriter, payload map[string]any) {
	payload["success"] = true
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, status int, msg string, fields []string) {
	body := map[string]any{"success": false, "error": msg}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeAssessment accepts a full assessment document, or a loose one whose
// risk_classification is a bare level and whose numbers may be strings.
func decodeAssessment(v any) (*risk.Assessment, error) {
	raw, err := json.Marshal(v)
	if err == nil {
		var a risk.Assessment
		if json.Unmarshal(raw, &a) == nil {
			return &a, nil
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &telemetry.ValidationError{Fields: []string{"current_risk_assessment"}}
	}
	a := &risk.Assessment{}
	a.ID, _ = obj["id"].(string)
	if p, ok := number(firstOf(obj, "composite_anomaly_probability", "composite_probability", "score")); ok {
		a.CompositeProbability = p
	}
	switch c := obj["risk_classification"].(type) {
	case string:
		a.Classification.Level = detection.Level(strings.ToUpper(c))
	case map[string]any:
		if lvl, ok := c["level"].(string); ok {
			a.Classification.Level = detection.Level(strings.ToUpper(lvl))
		}
	}
	return a, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func hasAny(m map[string]any, keys ...string) bool {
	return firstOf(m, keys...) != nil
}

// stringList accepts a list of ids or a comma separated string.
func stringList(v any) []string {
	var out []string
	switch l := v.(type) {
	case []any:
		for _, item := range l {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(l, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
