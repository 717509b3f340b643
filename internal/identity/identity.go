// Package identity holds the value types shared by the session coordinators,
// the identity provider and the profile store.
package identity

import "time"

// Kind tags whether an Identity or Profile carries a value.
type Kind uint8

const (
	Absent Kind = iota
	Present
)

func (k Kind) String() string {
	if k == Present {
		return "present"
	}
	return "absent"
}

// Identity is the authenticated user reference. The zero value is absent.
type Identity struct {
	Kind  Kind
	ID    string
	Email string
}

// NoIdentity is the absent identity.
var NoIdentity = Identity{}

// NewIdentity returns a present identity.
func NewIdentity(id, email string) Identity {
	return Identity{Kind: Present, ID: id, Email: email}
}

// Present reports whether the identity carries a user.
func (i Identity) Present() bool {
	return i.Kind == Present
}

// Profile is the extended user record keyed 1:1 by Identity.ID.
// The zero value is absent; a present profile may still have empty fields.
type Profile struct {
	Kind      Kind
	UserID    string
	Nickname  string
	AvatarRef string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NoProfile is the absent profile.
var NoProfile = Profile{}

// Present reports whether the profile was loaded.
func (p Profile) Present() bool {
	return p.Kind == Present
}

// BelongsTo reports whether the profile is present and owned by id.
func (p Profile) BelongsTo(id string) bool {
	return p.Present() && p.UserID == id
}

// Session is what the identity provider hands back for a live sign-in.
type Session struct {
	User         Identity
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// State is the broadcast triple derived from an (Identity, Profile) pair.
type State struct {
	LoggedIn bool
	User     Identity
	Profile  Profile
}

// StateOf derives the public triple. LoggedIn follows the identity only;
// a missing profile never turns a signed-in user into a signed-out one.
func StateOf(user Identity, profile Profile) State {
	if !user.Present() {
		return State{User: NoIdentity, Profile: NoProfile}
	}
	return State{LoggedIn: true, User: user, Profile: profile}
}

// Phase is the initialization state of a coordinator.
// Transitions only go forward; Ready is terminal.
type Phase int32

const (
	Uninitialized Phase = iota
	Initializing
	Ready
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}
