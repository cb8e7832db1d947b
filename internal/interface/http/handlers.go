package http

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Di-mitt/my-telegram-bot/internal/ingest"
	"github.com/Di-mitt/my-telegram-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIVENESS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot is the bare liveness probe. It answers the moment the listener
// is up, independent of webhook registration or runtime readiness, so the
// platform never kills an instance that is still warming up.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// healthReport is the /health response body.
type healthReport struct {
	Status    string       `json:"status"`
	Readiness string       `json:"readiness"`
	UptimeS   int64        `json:"uptime_s"`
	Buffer    bufferReport `json:"buffer"`
	Queue     queueReport  `json:"queue"`
	Timestamp time.Time    `json:"timestamp"`
}

type bufferReport struct {
	Pending int    `json:"pending"`
	Evicted uint64 `json:"evicted"`
	Expired uint64 `json:"expired"`
}

type queueReport struct {
	Pending int `json:"pending"`
}

// handleHealth reports the ingestion state. It always answers 200: an
// instance that is still starting is healthy, just not ready yet.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gate := s.deps.Intake.Gate()
	buffer := s.deps.Intake.Buffer()
	evicted, expired := buffer.Losses()

	report := healthReport{
		Status:    "ok",
		Readiness: gate.State().String(),
		UptimeS:   int64(s.Uptime().Seconds()),
		Buffer: bufferReport{
			Pending: buffer.Len(),
			Evicted: evicted,
			Expired: expired,
		},
		Queue: queueReport{
			Pending: s.deps.Intake.Dispatcher().Pending(),
		},
		Timestamp: time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, report)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTERS
// ══════════════════════════════════════════════════════════════════════════════

// handleDeadLetters serves the most recently journaled dropped updates so
// an operator can inspect or replay them by hand.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "dead letter journal is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	letters, err := s.deps.DeadLetters.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("dead letter query failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not read dead letter journal")
		return
	}
	if letters == nil {
		letters = []DeadLetterRecord{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// ══════════════════════════════════════════════════════════════════════════════
// WEBHOOK
// ══════════════════════════════════════════════════════════════════════════════

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// webhookAck is the body of every accepted webhook delivery.
type webhookAck struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

// handleWebhook receives one Telegram update. The contract with the
// provider is deliberately asymmetric: authentication and malformed
// payloads fail loudly (403/400), but everything past decoding is
// acknowledged with 200 regardless of what happens downstream. A non-2xx
// here only makes Telegram redeliver, and redelivery cannot fix a full
// queue or a draining process.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWebhook(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "webhook secret mismatch")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}

	env, err := ingest.DecodeEnvelope(body, r.Header.Get("Content-Type"))
	if err != nil {
		var decodeErr *ingest.DecodeError
		reason := "malformed payload"
		if errors.As(err, &decodeErr) {
			reason = decodeErr.Reason
		}
		s.logger.Warn("webhook payload rejected",
			logger.String("reason", reason),
			logger.String("request_id", getRequestID(r.Context())),
		)
		writeJSONError(w, http.StatusBadRequest, "bad_request", reason)
		return
	}

	if s.isDuplicate(r, env) {
		writeJSON(w, http.StatusOK, webhookAck{OK: true, Outcome: "duplicate"})
		return
	}

	outcome, acceptErr := s.deps.Intake.Accept(r.Context(), env)
	if acceptErr != nil {
		// Already logged by the intake; the delivery is still acknowledged.
		s.logger.Warn("update not enqueued",
			logger.UpdateID(env.UpdateID),
			logger.Outcome(string(outcome)),
		)
	}
	writeJSON(w, http.StatusOK, webhookAck{OK: true, Outcome: string(outcome)})
}

// authenticateWebhook checks both the path secret and the secret-token
// header in constant time. Both must match; a missing header fails.
func (s *Server) authenticateWebhook(r *http.Request) bool {
	secret := []byte(s.config.WebhookSecret)
	pathOK := subtle.ConstantTimeCompare([]byte(r.PathValue("secret")), secret) == 1
	headerOK := subtle.ConstantTimeCompare([]byte(r.Header.Get(secretTokenHeader)), secret) == 1
	return pathOK && headerOK
}

// isDuplicate consults the optional dedup store. The store failing open is
// intentional: update processing is idempotent enough that a duplicate echo
// beats dropping a real message because the store was down.
func (s *Server) isDuplicate(r *http.Request, env *ingest.Envelope) bool {
	if s.deps.Dedup == nil {
		return false
	}
	// A payload without an update_id decodes with id 0. Those cannot be
	// keyed, so they are never suppressed.
	if env.UpdateID == 0 {
		return false
	}
	seen, err := s.deps.Dedup.Seen(r.Context(), env.UpdateID)
	if err != nil {
		s.logger.Warn("dedup check failed",
			logger.UpdateID(env.UpdateID),
			logger.Err(err),
		)
		return false
	}
	if seen {
		s.logger.Debug("duplicate delivery suppressed", logger.UpdateID(env.UpdateID))
	}
	return seen
}
