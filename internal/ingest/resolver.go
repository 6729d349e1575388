package ingest

import (
	"context"
	"errors"

	"callbridge/internal/session"
)

// Session resolution order: conference ref, else call ref, else (bootstrap)
// destination phone restricted to sessions awaiting that participant.
// Resolution is best-effort; a miss is not an error at the boundary.

// awaitingStatuses restricts the phone fallback so a reused number cannot
// attach a callback to somebody else's finished session.
var awaitingStatuses = []session.Status{
	session.StatusProviderConnecting,
	session.StatusClientConnecting,
	session.StatusActive,
}

// resolveByCall finds the owning session for a call-leg callback and the role
// of the leg within it.
func resolveByCall(ctx context.Context, store session.Store, callRef, toPhone string) (session.Session, session.Role, bool) {
	if callRef != "" {
		if s, err := store.GetByCallRef(ctx, callRef); err == nil {
			return s, roleForLeg(s, callRef, toPhone), true
		} else if !errors.Is(err, session.ErrSessionNotFound) {
			return session.Session{}, "", false
		}
	}
	if toPhone != "" {
		if s, err := store.FindAwaitingParticipant(ctx, toPhone, awaitingStatuses); err == nil {
			return s, roleForLeg(s, callRef, toPhone), true
		}
	}
	return session.Session{}, "", false
}

// resolveByConference prefers the conference ref, then the participant's call
// ref, then the conference friendly name (which carries the session id).
func resolveByConference(ctx context.Context, store session.Store, confRef, callRef, friendlyName string) (session.Session, bool) {
	if confRef != "" {
		if s, err := store.GetByConferenceRef(ctx, confRef); err == nil {
			return s, true
		}
	}
	if callRef != "" {
		if s, err := store.GetByCallRef(ctx, callRef); err == nil {
			return s, true
		}
	}
	if friendlyName != "" {
		if s, err := store.Get(ctx, friendlyName); err == nil {
			return s, true
		}
	}
	return session.Session{}, false
}

// roleForLeg matches a leg to its participant by call ref first, phone second.
func roleForLeg(s session.Session, callRef, toPhone string) session.Role {
	if callRef != "" {
		if s.Provider.CallRef == callRef {
			return session.RoleProvider
		}
		if s.Client.CallRef == callRef {
			return session.RoleClient
		}
	}
	if toPhone != "" && s.Client.Phone == toPhone {
		return session.RoleClient
	}
	return session.RoleProvider
}

// roleForLabel maps a conference participant label, falling back to call ref
// matching for legs joined without one.
func roleForLabel(s session.Session, label, callRef string) session.Role {
	switch label {
	case "provider":
		return session.RoleProvider
	case "client":
		return session.RoleClient
	}
	return roleForLeg(s, callRef, "")
}
