package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/mfpsync/internal/protocol/frame"
	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/danmuck/mfpsync/internal/testutil/testlog"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type roundTripFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f roundTripFunc) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

func decodeRequest(t *testing.T, body []byte) SyncRequest {
	t.Helper()
	envs, err := frame.DecodeAll(body, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(envs) != 1 || envs[0].Kind != schema.KindSyncRequest {
		t.Fatalf("unexpected request envelopes: %+v", envs)
	}
	req, err := DecodeSyncRequest(envs[0].Body)
	if err != nil {
		t.Fatalf("decode sync request: %v", err)
	}
	return req
}

func mustPage(t *testing.T, res SyncResult, records ...frame.Envelope) []byte {
	t.Helper()
	b, err := EncodePage(res, records...)
	if err != nil {
		t.Fatalf("encode page: %v", err)
	}
	return b
}

func newSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Credentials{Username: "alice", Password: "secret"}, uuid.Nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepBackoff(ctx, BackoffConfig{InitialDelay: time.Hour}, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSyncRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := SyncRequest{
		APIVersion:     DefaultAPIVersion,
		ClientRevision: DefaultClientRevision,
		Username:       "alice",
		Password:       "secret",
		Flags:          RequestFlagAuthOnly,
		DeviceID:       uuid.New(),
		Marker:         "",
		Pointers:       map[string]string{"food": "12", "exercise": "3"},
	}
	b, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := decodeRequest(t, b)
	if got.Username != in.Username || got.Password != in.Password || got.DeviceID != in.DeviceID ||
		!got.AuthOnly() || got.APIVersion != 6 || got.ClientRevision != 237 ||
		got.Pointers["food"] != "12" || got.Pointers["exercise"] != "3" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if s := in.String(); strings.Contains(s, "secret") {
		t.Fatalf("request string leaked password: %s", s)
	}
}

func TestSyncResultAccessors(t *testing.T) {
	testlog.Start(t)
	f := SyncResult{
		Status:       StatusOK,
		ExtraMessage: "Please upgrade|https://example.invalid/app",
		MasterID:     77,
		Flags:        ResultFlagMoreData | ResultFlagUpgradeAvailable,
		Marker:       "M1",
		Token:        "tok",
	}.Frame()
	res, err := DecodeSyncResult(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK() || !res.MoreData() || !res.UpgradeAvailable() || res.MasterID != 77 || res.Marker != "M1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	alert, url := res.UpgradeAlert()
	if alert != "Please upgrade" || url != "https://example.invalid/app" {
		t.Fatalf("unexpected alert: %q %q", alert, url)
	}
	if res.ExpectedPackets != 0 {
		t.Fatalf("zero expected count should encode, got %d", res.ExpectedPackets)
	}
	if got := (SyncResult{Status: StatusAccountLocked}).StatusMessage(); got != "account_locked" {
		t.Fatalf("unexpected status message %q", got)
	}
}

func TestDecodeSyncResultRequiresStatus(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeSyncResult(tlv.Frame{tlv.NewText(ResTagMarker, "x")})
	if !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("expected ErrMissingStatus, got %v", err)
	}
}

func TestDecodePageSplitsRecords(t *testing.T) {
	testlog.Start(t)
	rec := frame.Envelope{Kind: schema.KindFood, Body: tlv.Frame{tlv.NewInt(1, 1)}}
	page, err := DecodePage(mustPage(t, SyncResult{Marker: "A"}, rec, rec), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Result.Marker != "A" || len(page.Records) != 2 || page.Result.ExpectedPackets != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Records[1].Offset <= page.Records[0].Offset {
		t.Fatalf("record offsets not increasing")
	}
}

func TestDecodePageMalformed(t *testing.T) {
	testlog.Start(t)
	food, _ := frame.Encode(schema.KindFood, tlv.Frame{tlv.NewInt(1, 1)})
	result := SyncResult{Marker: "A", ExpectedPackets: 3}
	head, _ := frame.Encode(schema.KindSyncResult, result.Frame())

	cases := []struct {
		name string
		body []byte
		want error
	}{
		{name: "empty", body: nil, want: ErrMissingResult},
		{name: "record first", body: food, want: ErrMissingResult},
		{name: "count mismatch", body: append(append([]byte(nil), head...), food...), want: ErrPacketCount},
		{name: "second result", body: mustPage(t, SyncResult{}, frame.Envelope{Kind: schema.KindSyncResult, Body: SyncResult{}.Frame()}), want: ErrUnexpectedKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePage(tc.body, frame.DefaultLimits())
			var me *MalformedResponseError
			if !errors.As(err, &me) || !errors.Is(err, tc.want) {
				t.Fatalf("expected malformed %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodePageFramingError(t *testing.T) {
	testlog.Start(t)
	b := mustPage(t, SyncResult{}, frame.Envelope{Kind: schema.KindFood, Body: tlv.Frame{tlv.NewText(1, "rice")}})
	_, err := DecodePage(b[:len(b)-1], frame.DefaultLimits())
	var fe *tlv.FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestCredentialsRedacted(t *testing.T) {
	testlog.Start(t)
	c := Credentials{Username: "alice", Password: "secret"}
	outputs := []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)}
	j, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := yaml.Marshal(c)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	outputs = append(outputs, string(j), string(y))

	s := newSession(t)
	sj, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json session: %v", err)
	}
	outputs = append(outputs, s.String(), fmt.Sprintf("%#v", s), string(sj))
	for _, out := range outputs {
		if strings.Contains(out, "secret") {
			t.Fatalf("password leaked: %s", out)
		}
		if !strings.Contains(out, "alice") {
			t.Fatalf("username missing: %s", out)
		}
	}
}

func TestNewSessionValidates(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Credentials{Password: "x"}, uuid.Nil); !errors.Is(err, ErrMissingUsername) {
		t.Fatalf("expected ErrMissingUsername, got %v", err)
	}
	if _, err := New(Credentials{Username: "alice"}, uuid.Nil); !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected ErrMissingPassword, got %v", err)
	}
	s := newSession(t)
	if s.DeviceID() == uuid.Nil {
		t.Fatalf("expected generated device id")
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("unexpected state %s", s.State())
	}
	if _, err := s.Token(); !errors.Is(err, ErrNotAuthed) {
		t.Fatalf("expected ErrNotAuthed, got %v", err)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	testlog.Start(t)
	s := newSession(t)
	calls := 0
	rt := roundTripFunc(func(_ context.Context, body []byte) ([]byte, error) {
		calls++
		req := decodeRequest(t, body)
		if !req.AuthOnly() || req.Username != "alice" || req.Password != "secret" || req.DeviceID != s.DeviceID() {
			t.Fatalf("unexpected login request: %+v", req)
		}
		return mustPage(t, SyncResult{Token: "tok-1", MasterID: 9}), nil
	})
	a := NewAuthenticator(rt, DefaultConfig())
	if err := a.Authenticate(context.Background(), s); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tok, err := s.Token()
	if err != nil || tok != "tok-1" || s.MasterID() != 9 || s.State() != StateAuthenticated {
		t.Fatalf("unexpected session after login: tok=%q err=%v state=%s", tok, err, s.State())
	}
	if err := a.Authenticate(context.Background(), s); err != nil || calls != 1 {
		t.Fatalf("second authenticate should be a no-op: calls=%d err=%v", calls, err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		status Status
		reason AuthReason
	}{
		{StatusAuthenticationFailed, ReasonInvalidCredentials},
		{StatusAccountLocked, ReasonAccountLocked},
		{StatusUnsupportedVersion, ReasonUnsupportedProtocol},
		{StatusInvalidRegistration, ReasonInvalidRegistration},
		{Status(42), ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.status.String(), func(t *testing.T) {
			s := newSession(t)
			rt := roundTripFunc(func(context.Context, []byte) ([]byte, error) {
				return mustPage(t, SyncResult{Status: tc.status, ErrorMessage: "nope"}), nil
			})
			err := NewAuthenticator(rt, DefaultConfig()).Authenticate(context.Background(), s)
			var ae *AuthError
			if !errors.As(err, &ae) || ae.Reason != tc.reason || ae.Message != "nope" {
				t.Fatalf("expected AuthError %s, got %v", tc.reason, err)
			}
			if s.State() != StateUnauthenticated {
				t.Fatalf("expected unauthenticated, got %s", s.State())
			}
		})
	}
}

func TestAuthenticateWithoutToken(t *testing.T) {
	testlog.Start(t)
	s := newSession(t)
	rt := roundTripFunc(func(context.Context, []byte) ([]byte, error) {
		return mustPage(t, SyncResult{}), nil
	})
	err := NewAuthenticator(rt, DefaultConfig()).Authenticate(context.Background(), s)
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Reason != ReasonUnsupportedProtocol {
		t.Fatalf("expected protocol AuthError, got %v", err)
	}
}

func TestAuthenticateTransportFailureResetsState(t *testing.T) {
	testlog.Start(t)
	s := newSession(t)
	boom := errors.New("connection reset")
	rt := roundTripFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, boom
	})
	err := NewAuthenticator(rt, DefaultConfig()).Authenticate(context.Background(), s)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", s.State())
	}
}

func TestExpiredSessionNotReauthenticated(t *testing.T) {
	testlog.Start(t)
	s := newSession(t)
	s.Expire()
	rt := roundTripFunc(func(context.Context, []byte) ([]byte, error) {
		t.Fatalf("expired session must not log in again")
		return nil, nil
	})
	err := NewAuthenticator(rt, DefaultConfig()).Authenticate(context.Background(), s)
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Reason != ReasonSessionExpired {
		t.Fatalf("expected session expired AuthError, got %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSessionAcquireIsExclusive(t *testing.T) {
	testlog.Start(t)
	s := newSession(t)
	if err := s.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Acquire(); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	s.Release()
	if err := s.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
