package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mfpsync/internal/protocol/frame"
	"github.com/danmuck/mfpsync/internal/protocol/packet"
	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"github.com/danmuck/mfpsync/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrBusy = errors.New("syncer: sync already running")

// MalformedResponseError is returned when a page frames correctly but breaks
// the sync exchange.
type MalformedResponseError = session.MalformedResponseError

// Policy decides what a SchemaError does to the run.
type Policy int

const (
	// PolicyReport yields the error in place of the record and continues.
	PolicyReport Policy = iota
	// PolicyAbort yields the error and ends the run.
	PolicyAbort
)

func (p Policy) String() string {
	switch p {
	case PolicyReport:
		return "report"
	case PolicyAbort:
		return "abort"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "report", "continue", "skip":
		return PolicyReport, nil
	case "abort", "fail", "strict":
		return PolicyAbort, nil
	default:
		return PolicyReport, fmt.Errorf("syncer: unknown schema error policy %q", raw)
	}
}

// Observer receives run events, typically to feed metrics. Calls happen on
// the goroutine driving the sequence.
type Observer interface {
	RequestDone(op string, d time.Duration, err error)
	Retry(op string, attempt int, err error)
	Page(records int)
	Packet(kind string)
	SchemaError(kind string)
}

type nopObserver struct{}

func (nopObserver) RequestDone(string, time.Duration, error) {}
func (nopObserver) Retry(string, int, error)                 {}
func (nopObserver) Page(int)                                 {}
func (nopObserver) Packet(string)                            {}
func (nopObserver) SchemaError(string)                       {}

type Options struct {
	Config session.Config
	Policy Policy
	// StartMarker resumes from a marker saved by an earlier run. Empty
	// starts from the beginning of history.
	StartMarker string
	Pointers    map[string]string
	Registry    *schema.Registry
	Observer    Observer
	Rand        *rand.Rand
}

// Result summarizes the last run. It is complete once the sequence ends.
type Result struct {
	Requests     int
	Retries      int
	Pages        int
	Packets      int
	SchemaErrors int
	Marker       string
	MasterID     int64
	UpgradeAlert string
	UpgradeURL   string
	Pointers     map[string]string
	Err          error
}

// Syncer drains the sync stream of one session into a packet sequence.
type Syncer struct {
	transport  session.RoundTripper
	session    *session.Session
	auth       *session.Authenticator
	normalizer *packet.Normalizer
	cfg        session.Config
	opts       Options
	obs        Observer
	rng        *rand.Rand

	running atomic.Bool
	mu      sync.Mutex
	result  Result
}

func New(rt session.RoundTripper, sess *session.Session, opts Options) *Syncer {
	s := &Syncer{
		transport:  rt,
		session:    sess,
		normalizer: packet.NewNormalizer(opts.Registry),
		cfg:        opts.Config.WithDefaults(),
		opts:       opts,
		obs:        opts.Observer,
		rng:        opts.Rand,
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.auth = session.NewAuthenticator(loginTransport{s: s}, s.cfg)
	return s
}

type loginTransport struct {
	s *Syncer
}

func (l loginTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	return l.s.send(ctx, "login", request)
}

// Result returns a copy of the latest run summary.
func (s *Syncer) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.result
	r.Pointers = maps.Clone(r.Pointers)
	return r
}

func (s *Syncer) update(fn func(r *Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.result)
}

// Packets returns the lazy packet sequence. Each range over it performs one
// run: login if needed, then one request per page until the stream ends.
// Breaking out of the range stops further requests. A yielded non-nil error
// with a zero Packet is either a SchemaError under PolicyReport, after which
// the sequence continues, or the terminal error of the run.
func (s *Syncer) Packets(ctx context.Context) iter.Seq2[packet.Packet, error] {
	return func(yield func(packet.Packet, error) bool) {
		if !s.running.CompareAndSwap(false, true) {
			yield(packet.Packet{}, ErrBusy)
			return
		}
		defer s.running.Store(false)
		if err := s.session.Acquire(); err != nil {
			yield(packet.Packet{}, err)
			return
		}
		defer s.session.Release()

		s.update(func(r *Result) { *r = Result{Marker: s.opts.StartMarker} })
		if err := s.run(ctx, yield); err != nil {
			s.update(func(r *Result) { r.Err = err })
			log.Debug().Err(err).Msg("sync ended with error")
			yield(packet.Packet{}, err)
		}
	}
}

// errStopped marks a consumer that stopped ranging; it is never yielded.
var errStopped = errors.New("syncer: consumer stopped")

func (s *Syncer) run(ctx context.Context, yield func(packet.Packet, error) bool) error {
	if err := s.auth.Authenticate(ctx, s.session); err != nil {
		return err
	}
	marker := s.opts.StartMarker
	sent := make(map[string]struct{})
	for page := 1; ; page++ {
		sent[marker] = struct{}{}
		token, err := s.session.Token()
		if err != nil {
			return &session.AuthError{Reason: session.ReasonSessionExpired, Message: err.Error()}
		}
		req := session.SyncRequest{
			APIVersion:     s.cfg.APIVersion,
			ClientRevision: s.cfg.ClientRevision,
			Username:       s.session.Username(),
			DeviceID:       s.session.DeviceID(),
			Token:          token,
			Marker:         marker,
			Pointers:       s.opts.Pointers,
		}
		body, err := req.Encode()
		if err != nil {
			return err
		}
		resp, err := s.send(ctx, "sync", body)
		if err != nil {
			return err
		}
		p, err := session.DecodePage(resp, frame.Limits{MaxEnvelopeBytes: s.cfg.MaxEnvelopeBytes})
		if err != nil {
			return err
		}
		res := p.Result
		if !res.OK() {
			s.session.Expire()
			return &session.AuthError{
				Reason:  session.ReasonForStatus(res.Status),
				Status:  res.Status,
				Message: res.ErrorMessage,
			}
		}
		if _, seen := sent[res.Marker]; seen && res.Marker != "" && res.Marker != marker {
			return &MalformedResponseError{Err: fmt.Errorf("%w: %q", session.ErrMarkerRegressed, res.Marker)}
		}
		s.notePage(res, len(p.Records))
		log.Debug().
			Int("page", page).
			Str("sent_marker", marker).
			Str("marker", res.Marker).
			Int("records", len(p.Records)).
			Msg("sync page")

		if res.Marker != "" && res.Marker == marker {
			return nil
		}
		if err := s.emit(p.Records, yield); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if res.Marker == "" {
			return nil
		}
		marker = res.Marker
	}
}

func (s *Syncer) notePage(res session.SyncResult, records int) {
	alert, url := res.UpgradeAlert()
	s.update(func(r *Result) {
		r.Pages++
		r.Marker = res.Marker
		if res.MasterID != 0 {
			r.MasterID = res.MasterID
		}
		if alert != "" || url != "" {
			r.UpgradeAlert, r.UpgradeURL = alert, url
		}
		if len(res.Pointers) > 0 {
			r.Pointers = maps.Clone(res.Pointers)
		}
	})
	s.obs.Page(records)
}

func (s *Syncer) emit(records []frame.Envelope, yield func(packet.Packet, error) bool) error {
	for _, env := range records {
		p, err := s.normalizer.Normalize(env.Kind, env.Body)
		if err != nil {
			var se *schema.SchemaError
			if !errors.As(err, &se) {
				return err
			}
			s.update(func(r *Result) { r.SchemaErrors++ })
			s.obs.SchemaError(se.Kind)
			if s.opts.Policy == PolicyAbort {
				return err
			}
			if !yield(packet.Packet{}, err) {
				return errStopped
			}
			continue
		}
		s.update(func(r *Result) { r.Packets++ })
		s.obs.Packet(p.Kind())
		if !yield(p, nil) {
			return errStopped
		}
	}
	return nil
}

// send performs one request with a bounded retry on temporary transport
// failures. The same bytes are resent; the marker inside them carries the
// progress so nothing earlier is repeated.
func (s *Syncer) send(ctx context.Context, op string, body []byte) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		s.update(func(r *Result) { r.Requests++ })
		start := time.Now()
		resp, err := s.roundTrip(ctx, body)
		if err != nil {
			err = transport.NewError(op, err)
		}
		s.obs.RequestDone(op, time.Since(start), err)
		if err == nil {
			return resp, nil
		}
		if !transport.IsTemporary(err) || attempt >= s.cfg.Retry.MaxAttempts || ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying request")
		s.update(func(r *Result) { r.Retries++ })
		s.obs.Retry(op, attempt, err)
		if err := session.SleepBackoff(ctx, s.cfg.Retry.Backoff, attempt, s.rng); err != nil {
			return nil, transport.NewError(op, err)
		}
	}
}

func (s *Syncer) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return s.transport.RoundTrip(ctx, body)
}
