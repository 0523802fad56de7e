// Package fallback holds local channels that receive audit events while the
// persistent sink is unavailable.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gatekeeper/internal/audit/models"
)

// LogFallback writes each event as a structured error log line.
type LogFallback struct {
	logger *slog.Logger
}

func NewLogFallback(logger *slog.Logger) *LogFallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogFallback{logger: logger}
}

func (f *LogFallback) Write(ctx context.Context, e models.Event) error {
	f.logger.ErrorContext(ctx, "audit_fallback_event",
		"log_type", "audit",
		"event_id", e.ID,
		"sequence", e.Sequence,
		"timestamp", e.Timestamp,
		"actor_id", e.ActorID,
		"action", e.Action,
		"resource", e.Resource,
		"severity", e.Severity,
		"category", e.Category,
		"decision", e.Decision,
		"request_id", e.RequestID,
		"details", e.Details,
		"key_id", e.KeyID,
		"signature", e.Signature,
	)
	return nil
}

// FileFallback appends events to a JSON Lines file. The output can be checked
// offline with `gatekeeperctl audit verify`.
type FileFallback struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenFile opens path for appending, creating it with 0600 permissions.
func OpenFile(path string) (*FileFallback, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit fallback file: %w", err)
	}
	return &FileFallback{file: f, enc: json.NewEncoder(f)}, nil
}

func (f *FileFallback) Write(_ context.Context, e models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(e); err != nil {
		return fmt.Errorf("write audit fallback: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (f *FileFallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Sync(); err != nil {
		_ = f.file.Close()
		return err
	}
	return f.file.Close()
}

// ReadFile decodes every event in a JSON Lines file.
func ReadFile(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []models.Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var e models.Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("decode audit event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}
