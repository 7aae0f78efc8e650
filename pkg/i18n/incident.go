package i18n

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Reporter surfaces operator-facing incidents. Every incident carries a
// unique reference id and both catalog languages, so the same event can
// be quoted in Arabic and English paperwork.
type Reporter struct {
	logger *slog.Logger
}

// NewReporter creates a Reporter logging through logger. A nil logger
// uses the default.
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger.With("component", "incident")}
}

// Report logs one incident and returns its reference id. attrs are
// appended as structured fields.
func (r *Reporter) Report(ctx context.Context, code string, attrs ...any) string {
	id := uuid.NewString()
	fields := []any{
		"incident_id", id,
		"code", code,
		"message_en", English(code),
		"message_ar", Arabic(code),
	}
	fields = append(fields, attrs...)
	r.logger.ErrorContext(ctx, "incident reported", fields...)
	return id
}
