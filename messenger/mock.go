package messenger

import (
	"context"
	"log/slog"
)

// MockProvider is a mock messenger provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock messenger provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, userID int64, text string) error {
	m.logger.Info("MOCK MESSAGE",
		"user_id", userID,
		"text", text,
		"text_length", len(text))
	return nil
}
