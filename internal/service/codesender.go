package service

import (
	"context"
	"log/slog"

	"github.com/riskwatch/platform/internal/domain"
)

// CodeSender delivers a second-factor code to an identity.
type CodeSender interface {
	SendCode(ctx context.Context, id *domain.Identity, code string) error
}

// LogCodeSender writes codes to the log. Development only.
type LogCodeSender struct {
	logger *slog.Logger
}

// NewLogCodeSender creates a sender that logs instead of delivering.
func NewLogCodeSender(logger *slog.Logger) *LogCodeSender {
	return &LogCodeSender{logger: logger}
}

func (s *LogCodeSender) SendCode(_ context.Context, id *domain.Identity, code string) error {
	s.logger.Info("second factor code issued", "identity_id", id.ID, "username", id.Username, "code", code)
	return nil
}
