package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRequest(logger *slog.Logger, requestID string) *slog.Logger {
	if logger == nil || requestID == "" {
		return logger
	}
	return logger.With("request_id", requestID)
}

func WithRun(logger *slog.Logger, runID int64) *slog.Logger {
	if logger == nil || runID == 0 {
		return logger
	}
	return logger.With("run_id", runID)
}

// WithDelivery hashes the delivery id so logs stay correlatable without
// echoing the raw dedup key.
func WithDelivery(logger *slog.Logger, deliveryID string) *slog.Logger {
	if logger == nil || deliveryID == "" {
		return logger
	}
	return logger.With("delivery_id_hash", hashDeliveryID(deliveryID))
}

func hashDeliveryID(deliveryID string) string {
	sum := sha256.Sum256([]byte(deliveryID))
	return hex.EncodeToString(sum[:8])
}
