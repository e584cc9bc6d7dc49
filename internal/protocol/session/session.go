package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const redacted = "[redacted]"

// State is the authentication lifecycle of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrMissingUsername = errors.New("session: missing username")
	ErrMissingPassword = errors.New("session: missing password")
	ErrSessionExpired  = errors.New("session: expired")
	ErrSessionBusy     = errors.New("session: already in use")
	ErrAuthInProgress  = errors.New("session: authentication in progress")
	ErrNotAuthed       = errors.New("session: not authenticated")
)

// Credentials are the login secrets. Every formatting and marshal path
// redacts the password.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return ErrMissingUsername
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%q Password:%s}", c.Username, redacted)
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, `{"username":%q,"password":%q}`, c.Username, redacted), nil
}

func (c Credentials) MarshalYAML() (any, error) {
	return map[string]string{"username": c.Username, "password": redacted}, nil
}

// Session is the authenticated identity of one sync run. The password is
// held privately and only read by the Authenticator; the token is only
// visible while the session is Authenticated.
type Session struct {
	mu       sync.Mutex
	username string
	password string
	deviceID uuid.UUID
	token    string
	masterID int64
	state    State
	inUse    bool
}

// New creates an unauthenticated session. A nil deviceID draws a random one.
func New(creds Credentials, deviceID uuid.UUID) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if deviceID == uuid.Nil {
		deviceID = uuid.New()
	}
	return &Session{
		username: creds.Username,
		password: creds.Password,
		deviceID: deviceID,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Username() string {
	return s.username
}

func (s *Session) DeviceID() uuid.UUID {
	return s.deviceID
}

// MasterID is the server's user id, known once authenticated.
func (s *Session) MasterID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterID
}

// Token returns the session token while Authenticated.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		return s.token, nil
	case StateExpired:
		return "", ErrSessionExpired
	default:
		return "", ErrNotAuthed
	}
}

// Expire invalidates the token. Expired is terminal.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateExpired
	s.token = ""
}

// Acquire claims exclusive use of the session for one orchestration.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse {
		return ErrSessionBusy
	}
	s.inUse = true
	return nil
}

func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse = false
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Session{user=%q device=%s state=%s}", s.username, s.deviceID, s.state)
}

func (s *Session) GoString() string {
	return s.String()
}

func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Appendf(nil, `{"username":%q,"device_id":%q,"state":%q}`, s.username, s.deviceID.String(), s.state.String()), nil
}

func (s *Session) MarshalYAML() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"username":  s.username,
		"device_id": s.deviceID.String(),
		"state":     s.state.String(),
	}, nil
}

// beginAuth moves Unauthenticated -> Authenticating and hands out the login
// secrets. Authenticated sessions report done=true.
func (s *Session) beginAuth() (creds Credentials, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		return Credentials{}, true, nil
	case StateExpired:
		return Credentials{}, false, ErrSessionExpired
	case StateAuthenticating:
		return Credentials{}, false, ErrAuthInProgress
	}
	s.state = StateAuthenticating
	return Credentials{Username: s.username, Password: s.password}, false, nil
}

func (s *Session) completeAuth(token string, masterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.masterID = masterID
	s.state = StateAuthenticated
}

func (s *Session) abortAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.state = StateUnauthenticated
}
