package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// HMACHeader carries the hex HMAC-SHA256 of the request body.
const HMACHeader = "X-Goproctor-HMAC"

// HMACAuth verifies that ingest bodies were signed by a trusted proctoring
// client.
type HMACAuth struct {
	secret      []byte
	requireHMAC bool
	log         *zap.Logger
}

// NewHMACAuth creates a verifier. With requireHMAC false every body is
// accepted and signatures are only checked when present.
func NewHMACAuth(secret string, requireHMAC bool, log *zap.Logger) *HMACAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &HMACAuth{secret: []byte(secret), requireHMAC: requireHMAC, log: log.Named("hmac")}
}

// Sign returns the signature a client sends for payload.
func (h *HMACAuth) Sign(payload []byte) string {
	if len(h.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC validates the signature header of r against payload.
func (h *HMACAuth) VerifyHMAC(r *http.Request, payload []byte) bool {
	provided := strings.TrimSpace(r.Header.Get(HMACHeader))
	if !h.requireHMAC && provided == "" {
		return true
	}
	if len(h.secret) == 0 {
		h.log.Warn("hmac: verification failed, no secret configured")
		return false
	}
	if provided == "" {
		h.log.Debug("hmac: verification failed, missing header", zap.String("path", r.URL.Path))
		return false
	}
	expected := h.Sign(payload)
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		h.log.Info("hmac: signature mismatch", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
		return false
	}
	return true
}
