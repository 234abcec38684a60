// Package messenger delivers notification texts to subscribers through pluggable providers.
package messenger

import "context"

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers text to the messenger user with the given id.
	Send(ctx context.Context, userID int64, text string) error
}
