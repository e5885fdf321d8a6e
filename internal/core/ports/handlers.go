package ports

import (
	"context"
	"net/http"

	"guffrelay/internal/core/domain"
)

// WebSocketHandler is the lifecycle of client connections: open (upgrade),
// message, and disconnect.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HandleMessage(ctx context.Context, sender domain.Address, raw []byte)
	HandleDisconnect(ctx context.Context, address domain.Address)
}
