package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/mfpsync/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// AuthReason classifies an authentication failure.
type AuthReason string

const (
	ReasonInvalidCredentials  AuthReason = "invalid_credentials"
	ReasonAccountLocked       AuthReason = "account_locked"
	ReasonUnsupportedProtocol AuthReason = "unsupported_protocol"
	ReasonInvalidRegistration AuthReason = "invalid_registration"
	ReasonSessionExpired      AuthReason = "session_expired"
	ReasonUnknown             AuthReason = "unknown"
)

// ReasonForStatus maps a non-ok SyncResult status to an AuthReason.
func ReasonForStatus(s Status) AuthReason {
	switch s {
	case StatusAuthenticationFailed:
		return ReasonInvalidCredentials
	case StatusAccountLocked:
		return ReasonAccountLocked
	case StatusUnsupportedVersion:
		return ReasonUnsupportedProtocol
	case StatusInvalidRegistration:
		return ReasonInvalidRegistration
	default:
		return ReasonUnknown
	}
}

// AuthError is terminal for a run and never retried.
type AuthError struct {
	Reason  AuthReason
	Status  Status
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Message)
}

// RoundTripper sends one request body and returns the response body.
type RoundTripper interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// Authenticator performs the login exchange: an auth-only SyncRequest
// answered by a SyncResult carrying the session token.
type Authenticator struct {
	transport RoundTripper
	cfg       Config
}

func NewAuthenticator(transport RoundTripper, cfg Config) *Authenticator {
	return &Authenticator{transport: transport, cfg: cfg.WithDefaults()}
}

// Authenticate logs s in. It is a no-op for an Authenticated session and an
// error for an Expired one. On failure the session returns to
// Unauthenticated; a rejected login yields *AuthError.
func (a *Authenticator) Authenticate(ctx context.Context, s *Session) error {
	creds, done, err := s.beginAuth()
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return &AuthError{Reason: ReasonSessionExpired, Status: StatusAuthenticationFailed}
		}
		return err
	}
	if done {
		return nil
	}
	token, masterID, err := a.login(ctx, s, creds)
	if err != nil {
		s.abortAuth()
		log.Debug().Str("user", creds.Username).Err(err).Msg("login failed")
		return err
	}
	s.completeAuth(token, masterID)
	log.Debug().Str("user", creds.Username).Int64("master_id", masterID).Msg("login ok")
	return nil
}

func (a *Authenticator) login(ctx context.Context, s *Session, creds Credentials) (string, int64, error) {
	req := SyncRequest{
		APIVersion:     a.cfg.APIVersion,
		ClientRevision: a.cfg.ClientRevision,
		Username:       creds.Username,
		Password:       creds.Password,
		Flags:          RequestFlagAuthOnly,
		DeviceID:       s.DeviceID(),
	}
	body, err := req.Encode()
	if err != nil {
		return "", 0, err
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	resp, err := a.transport.RoundTrip(ctx, body)
	if err != nil {
		return "", 0, err
	}
	page, err := DecodePage(resp, frame.Limits{MaxEnvelopeBytes: a.cfg.MaxEnvelopeBytes})
	if err != nil {
		return "", 0, err
	}
	res := page.Result
	if !res.OK() {
		return "", 0, &AuthError{Reason: ReasonForStatus(res.Status), Status: res.Status, Message: res.ErrorMessage}
	}
	if res.Token == "" {
		return "", 0, &AuthError{Reason: ReasonUnsupportedProtocol, Status: res.Status, Message: "login result carried no token"}
	}
	return res.Token, res.MasterID, nil
}
