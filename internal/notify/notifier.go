package notify

import (
	"log/slog"
	"sync"
)

// Event types emitted by the identity service.
const (
	CodeRequested  = "auth.code_requested"
	SignedIn       = "auth.signed_in"
	SignedOut      = "auth.signed_out"
	TokenRefreshed = "auth.token_refreshed"
	ProfileUpdated = "profile.updated"
)

// Event represents an account lifecycle notification.
type Event struct {
	Type    string
	UserID  string
	Email   string
	Message string

	// Code and Link are only set on CodeRequested and must never leave the
	// delivery channel meant for the account owner.
	Code string
	Link string

	// MCPSessionID targets a specific MCP client session.
	// Empty means broadcast to all.
	MCPSessionID string
}

// Notifier sends account lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

// Hub dispatches events to multiple notifiers.
type Hub struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Add registers another notifier. Used when a notifier depends on a
// component that itself needs the hub.
func (h *Hub) Add(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

// Notify sends an event to all registered notifiers.
func (h *Hub) Notify(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.notifiers {
		go n.Notify(event)
	}
}

// LogNotifier writes events to the structured log. Sign-in codes are logged
// in full, which makes it the delivery channel in development.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(event Event) {
	if event.Type == CodeRequested {
		n.logger.Info("sign-in code issued",
			"email", event.Email,
			"code", event.Code,
			"link", event.Link)
		return
	}
	n.logger.Info("account event",
		"type", event.Type,
		"user_id", event.UserID,
		"message", event.Message)
}
