package broker

import (
	"context"
	"errors"
	"strings"

	"uwgate/internal/provider"
	"uwgate/pkg/logging"
)

// DemoUsername opens a demo session that needs no third-party token.
const DemoUsername = "demo"

const (
	defaultRole   = "Underwriter"
	defaultDomain = "Commercial Lines"
)

// Profile is the signed-in user.
type Profile struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Domain string `json:"domain"`
	IsDemo bool   `json:"isDemo"`
}

// UserDirectory looks up profile details for a ticketing user. Only Name,
// Email, Role and Domain of the result are used.
type UserDirectory interface {
	FetchCurrentUser(ctx context.Context, username string) (*Profile, error)
}

// Sessions manages the user profile on top of a Broker.
type Sessions struct {
	broker    *Broker
	directory UserDirectory
}

// NewSessions returns a session manager. directory may be nil.
func NewSessions(b *Broker, directory UserDirectory) *Sessions {
	return &Sessions{broker: b, directory: directory}
}

// SessionInfo describes the restored or newly created session.
type SessionInfo struct {
	Profile       *Profile
	Authenticated bool
	// Connected reports whether a valid ticketing token backs the session.
	Connected bool
}

// Login signs in. The demo user gets a local profile without any token;
// everyone else authenticates against the ticketing provider with the
// password grant.
func (s *Sessions) Login(ctx context.Context, username, password string) (*SessionInfo, error) {
	username = strings.TrimSpace(username)
	if strings.EqualFold(username, DemoUsername) {
		profile := &Profile{
			UserID: DemoUsername,
			Name:   "Demo User",
			Role:   defaultRole,
			Domain: defaultDomain,
			IsDemo: true,
		}
		if err := s.saveProfile(ctx, profile); err != nil {
			return nil, err
		}
		logging.Info("Sessions", "Started demo session")
		return &SessionInfo{Profile: profile, Authenticated: true}, nil
	}

	if username == "" || password == "" {
		return nil, errors.New("please enter both user ID and password")
	}

	if _, err := s.broker.Authenticate(ctx, provider.Ticketing, PasswordCredentials{Username: username, Password: password}); err != nil {
		return nil, err
	}

	profile := s.lookupProfile(ctx, username)
	if err := s.saveProfile(ctx, profile); err != nil {
		return nil, err
	}
	logging.Info("Sessions", "Signed in as %s", username)
	return &SessionInfo{Profile: profile, Authenticated: true, Connected: true}, nil
}

// Connect links a real ticketing identity to the current session. A demo
// profile is merged with the real one and stops being a demo.
func (s *Sessions) Connect(ctx context.Context, username, password string) (*SessionInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("please enter both user ID and password")
	}

	if _, err := s.broker.Authenticate(ctx, provider.Ticketing, PasswordCredentials{Username: username, Password: password}); err != nil {
		return nil, err
	}

	merged, err := s.mergeProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	logging.Info("Sessions", "Connected ticketing identity %s", username)
	return &SessionInfo{Profile: merged, Authenticated: true, Connected: true}, nil
}

// CompleteRedirect finishes the ticketing authorization-code flow and saves
// the profile the same way Login does. username may be empty when a
// non-demo profile is already stored; its user ID is reused. A stored demo
// profile is merged as in Connect.
func (s *Sessions) CompleteRedirect(ctx context.Context, code, state, username string) (*SessionInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		st, err := s.broker.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if st.Profile == nil || st.Profile.IsDemo || st.Profile.UserID == "" {
			return nil, errors.New("please enter the user ID that signed in")
		}
		username = st.Profile.UserID
	}

	if _, err := s.broker.CompleteRedirectFlow(ctx, provider.Ticketing, code, state); err != nil {
		return nil, err
	}

	merged, err := s.mergeProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	logging.Info("Sessions", "Signed in as %s via redirect", username)
	return &SessionInfo{Profile: merged, Authenticated: true, Connected: true}, nil
}

// mergeProfile looks the user up and folds the result into the stored
// profile, clearing the demo flag.
func (s *Sessions) mergeProfile(ctx context.Context, username string) (*Profile, error) {
	looked := s.lookupProfile(ctx, username)

	var merged *Profile
	err := s.broker.store.Update(ctx, func(st *State) error {
		merged = &Profile{}
		if st.Profile != nil {
			*merged = *st.Profile
		}
		merged.UserID = looked.UserID
		merged.Name = looked.Name
		merged.Email = looked.Email
		merged.Role = looked.Role
		merged.Domain = looked.Domain
		merged.IsDemo = false
		st.Profile = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// lookupProfile fetches the user's details; failures fall back to defaults.
func (s *Sessions) lookupProfile(ctx context.Context, username string) *Profile {
	profile := &Profile{
		UserID: username,
		Name:   username,
		Role:   defaultRole,
		Domain: defaultDomain,
	}
	if s.directory == nil {
		return profile
	}

	found, err := s.directory.FetchCurrentUser(ctx, username)
	if err != nil {
		logging.Debug("Sessions", "Profile lookup for %s failed, using defaults: %v", username, err)
		return profile
	}
	if found == nil {
		return profile
	}
	if found.Name != "" {
		profile.Name = found.Name
	}
	profile.Email = found.Email
	if found.Role != "" {
		profile.Role = found.Role
	}
	if found.Domain != "" {
		profile.Domain = found.Domain
	}
	return profile
}

func (s *Sessions) saveProfile(ctx context.Context, profile *Profile) error {
	return s.broker.store.Update(ctx, func(st *State) error {
		st.Profile = profile
		return nil
	})
}

// Logout deletes the profile and every provider's token.
func (s *Sessions) Logout(ctx context.Context) error {
	var errs []error
	for _, p := range provider.All {
		if err := s.broker.ClearToken(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.broker.store.Update(ctx, func(st *State) error {
		st.Profile = nil
		st.Pending = nil
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	logging.Info("Sessions", "Signed out")
	return errors.Join(errs...)
}

// Restore reports the session found in storage. A demo profile is always
// authenticated; a real profile only while a valid ticketing token exists.
func (s *Sessions) Restore(ctx context.Context) (*SessionInfo, error) {
	st, err := s.broker.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	connected := s.broker.cached(provider.Ticketing) != nil
	info := &SessionInfo{Profile: st.Profile, Connected: connected}
	if st.Profile == nil {
		return info, nil
	}
	info.Authenticated = st.Profile.IsDemo || connected
	return info, nil
}
