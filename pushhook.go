package smana

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Signatures
// ============================================================================

// SignatureHeader carries the relay signature: "sha256=" followed by the
// hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Smana-Signature"

// maxRelayBody matches the largest payload push services deliver.
const maxRelayBody = 4096

// SignPushBody returns the signature header value for body.
func SignPushBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPushSignature checks signature against body in constant time.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignPushBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// PushRelay
// ============================================================================

// PushRelay accepts push deliveries forwarded over HTTP and hands them to a
// Worker, for hosts without a browser push service.
type PushRelay struct {
	worker *Worker
	secret string
	logger zerolog.Logger
}

// NewPushRelay creates a relay. An empty secret disables signature checks.
func NewPushRelay(worker *Worker, secret string, logger *zerolog.Logger) (*PushRelay, error) {
	if worker == nil {
		return nil, errors.New("push relay: worker is required")
	}
	l := log.Logger.With().Str("component", "relay").Logger()
	if logger != nil {
		l = *logger
	}
	return &PushRelay{worker: worker, secret: secret, logger: l}, nil
}

// Handle verifies and delivers body. It returns the status code and the
// response body for the caller to write.
func (r *PushRelay) Handle(req *http.Request, body []byte, signature string) (int, any) {
	if r.secret != "" && !VerifyPushSignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	id, err := r.worker.Push(req.Context(), body)
	if err != nil {
		r.logger.Warn().Err(err).Msg("relay delivery failed")
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"ok": true, "id": id}
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	relay, _ := smana.NewPushRelay(worker, "secret", nil)
//	http.Handle("/push", relay)
func (r *PushRelay) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRelayBody+1))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	if len(body) > maxRelayBody {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}
	status, data := r.Handle(req, body, req.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	writeJSONType(rw, status, "application/json", v)
}

func writeJSONType(rw http.ResponseWriter, status int, contentType string, v any) {
	rw.Header().Set("Content-Type", contentType)
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
