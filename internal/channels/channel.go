package channels

import (
	"context"
)

// Channel is a chat platform integration that runs until its context ends.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// LoginIssuer mints viewer login links for the in-chat login command.
// *gateway.Server implements it.
type LoginIssuer interface {
	LoginLink(ctx context.Context, username, via string) (string, error)
}
