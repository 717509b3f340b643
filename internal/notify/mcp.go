package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes account changes to connected MCP clients so they can
// re-read session_state.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // userID → last token refresh notification time
}

// NewMCPNotifier creates an MCPNotifier with the given debounce interval
// for token refresh events. Sign-in, sign-out and profile events are always
// sent immediately.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	switch event.Type {
	case CodeRequested:
		// Codes go to the account owner only.
		return
	case TokenRefreshed:
		n.sendRefresh(event)
	case SignedIn, ProfileUpdated:
		n.sendMessage(event, "info")
	case SignedOut:
		n.clearDebounce(event.UserID)
		n.sendMessage(event, "notice")
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

func (n *MCPNotifier) sendRefresh(event Event) {
	n.mu.Lock()
	last, ok := n.lastSent[event.UserID]
	if ok && time.Since(last) < n.debounce {
		n.mu.Unlock()
		return
	}
	n.lastSent[event.UserID] = time.Now()
	n.mu.Unlock()

	n.sendMessage(event, "debug")
}

func (n *MCPNotifier) sendMessage(event Event, level string) {
	params := map[string]any{
		"level":  level,
		"logger": "larder",
		"data": map[string]any{
			"type":    event.Type,
			"user_id": event.UserID,
			"message": event.Message,
		},
	}

	n.send(event.MCPSessionID, "notifications/message", params)
}

// send dispatches to a specific client or broadcasts.
func (n *MCPNotifier) send(mcpSessionID, method string, params map[string]any) {
	if mcpSessionID != "" {
		if err := n.sender.SendNotificationToSpecificClient(mcpSessionID, method, params); err != nil {
			slog.Debug("mcp notification failed, falling back to broadcast",
				"session_id", mcpSessionID,
				"method", method,
				"error", err)
			n.sender.SendNotificationToAllClients(method, params)
		}
		return
	}
	n.sender.SendNotificationToAllClients(method, params)
}

func (n *MCPNotifier) clearDebounce(userID string) {
	n.mu.Lock()
	delete(n.lastSent, userID)
	n.mu.Unlock()
}
