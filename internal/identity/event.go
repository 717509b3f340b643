package identity

// EventKind names an identity provider event.
type EventKind string

const (
	SignedIn       EventKind = "SIGNED_IN"
	SignedOut      EventKind = "SIGNED_OUT"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
	UserUpdated    EventKind = "USER_UPDATED"
)

// Event is one entry of the provider's auth event stream.
// Session is nil for SignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// User returns the identity carried by the event, or NoIdentity.
func (e Event) User() Identity {
	if e.Session == nil {
		return NoIdentity
	}
	return e.Session.User
}

// EventHandler receives provider events. Handlers run on the provider's
// delivery goroutine, one event at a time, in emission order.
type EventHandler func(Event)
