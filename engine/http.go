package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/izavyalov-dev/tfpilot/internal/observability"
	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
	"github.com/izavyalov-dev/tfpilot/state"
)

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 1 << 20

// NewHTTPHandler wires the request lifecycle endpoints, the GitHub webhook
// receiver, and the metrics and health endpoints.
func NewHTTPHandler(service *Service, webhookSecret string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("engine.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID          string `json:"id"`
			TargetOwner string `json:"target_owner"`
			TargetRepo  string `json:"target_repo"`
			Branch      string `json:"branch"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		doc, err := service.CreateRequest(r.Context(), CreateParams{
			ID:          body.ID,
			TargetOwner: body.TargetOwner,
			TargetRepo:  body.TargetRepo,
			Branch:      body.Branch,
		})
		if err != nil {
			writeOpError(w, logger, "create_request", err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	})

	mux.HandleFunc("GET /api/v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		result, err := service.Sync(r.Context(), r.PathValue("id"), SyncOptions{})
		if err != nil {
			writeOpError(w, logger, "get_request", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /api/v1/requests/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		opts := SyncOptions{
			Repair:  r.URL.Query().Get("repair") == "true",
			Hydrate: r.URL.Query().Get("hydrate") == "true",
		}
		result, err := service.Sync(r.Context(), r.PathValue("id"), opts)
		if err != nil {
			writeOpError(w, logger, "sync_request", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /api/v1/requests/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		result, err := service.Approve(r.Context(), opParams(r))
		if err != nil {
			writeOpError(w, logger, "approve", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	dispatchEndpoint := func(op string, call func(*http.Request) (*DispatchResult, error)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			result, err := call(r)
			if err != nil {
				writeOpError(w, logger, op, err)
				return
			}
			writeJSON(w, http.StatusAccepted, result)
		}
	}
	mux.HandleFunc("POST /api/v1/requests/{id}/plan", dispatchEndpoint("plan", func(r *http.Request) (*DispatchResult, error) {
		return service.Plan(r.Context(), opParams(r))
	}))
	mux.HandleFunc("POST /api/v1/requests/{id}/apply", dispatchEndpoint("apply", func(r *http.Request) (*DispatchResult, error) {
		return service.Apply(r.Context(), opParams(r))
	}))
	mux.HandleFunc("POST /api/v1/requests/{id}/destroy", dispatchEndpoint("destroy", func(r *http.Request) (*DispatchResult, error) {
		return service.Destroy(r.Context(), opParams(r))
	}))
	mux.HandleFunc("POST /api/v1/requests/{id}/update", dispatchEndpoint("update", func(r *http.Request) (*DispatchResult, error) {
		var body struct {
			Actor          string            `json:"actor"`
			IdempotencyKey string            `json:"idempotency_key"`
			Inputs         map[string]string `json:"inputs"`
		}
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}
		p := OpParams{RequestID: r.PathValue("id"), Actor: body.Actor, IdempotencyKey: body.IdempotencyKey}
		return service.Update(r.Context(), p, body.Inputs)
	}))

	mux.HandleFunc("POST /webhooks/github", func(w http.ResponseWriter, r *http.Request) {
		handleWebhook(service, webhookSecret, logger, w, r)
	})

	return mux
}

// handleWebhook verifies the delivery, dedupes it, and folds the event into
// state. Processing failures after verification are acknowledged with 200 so
// GitHub does not retry what the poll path will repair anyway.
func handleWebhook(service *Service, secret string, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		service.metrics.IncWebhook("read_error")
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	ok, err := github.VerifySignature(secret, body, r.Header.Get(github.HeaderSignature256))
	if err != nil || !ok {
		service.metrics.IncWebhook("bad_signature")
		writeError(w, http.StatusUnauthorized, "bad_signature", errors.New("signature verification failed"))
		return
	}

	deliveryID := r.Header.Get(github.HeaderDelivery)
	if deliveryID == "" {
		service.metrics.IncWebhook("missing_delivery")
		writeError(w, http.StatusBadRequest, "missing_delivery_id", errors.New("delivery id header missing"))
		return
	}
	log := observability.WithDelivery(logger, deliveryID)

	eventType := r.Header.Get(github.HeaderEvent)
	evt, handled, err := github.ParseEvent(eventType, body)
	if err != nil {
		service.metrics.IncWebhook("malformed")
		writeError(w, http.StatusBadRequest, "malformed_payload", err)
		return
	}

	first, err := service.RecordDelivery(r.Context(), deliveryID, eventType)
	if err != nil {
		// The ledger being down must not make GitHub retry forever.
		log.Error("delivery ledger unavailable", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	if !first {
		service.metrics.IncWebhook("duplicate")
		writeJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
		return
	}

	if handled {
		if err := service.HandleEvent(r.Context(), evt); err != nil {
			log.Error("webhook processing failed", "event", eventType, "error", err)
		}
	} else {
		service.metrics.IncWebhook("ignored")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func opParams(r *http.Request) OpParams {
	var body struct {
		Actor          string `json:"actor"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	return OpParams{
		RequestID:      r.PathValue("id"),
		Actor:          body.Actor,
		IdempotencyKey: body.IdempotencyKey,
	}
}

// writeOpError maps domain errors onto HTTP statuses: missing documents are
// 404, idempotency, in-flight and lock conflicts are 409, version exhaustion
// is 409, anything else is 500.
func writeOpError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case request.IsConflict(err):
		writeError(w, http.StatusConflict, "idempotency_conflict", err)
	case request.IsInFlight(err):
		writeError(w, http.StatusConflict, "in_flight", err)
	case request.IsLockConflict(err):
		writeError(w, http.StatusConflict, "lock_conflict", err)
	case errors.Is(err, state.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err)
	default:
		logger.Error("request failed", "event", op+"_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
