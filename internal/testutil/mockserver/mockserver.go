// Package mockserver is a scripted stand-in for the legacy sync endpoint.
// It speaks the real multipart and envelope framing so the HTTP transport,
// session and syncer can be exercised together.
package mockserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/mfpsync/internal/auth"
	"github.com/danmuck/mfpsync/internal/observability"
	"github.com/danmuck/mfpsync/internal/protocol/frame"
	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/danmuck/mfpsync/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const SyncPath = "/iphone_api/synchronize"

var ErrBadRequest = errors.New("mockserver: bad sync request")

// Page is one scripted response. Raw, when set, is sent verbatim instead of
// an encoded page.
type Page struct {
	Status  session.Status
	Message string
	Marker  string
	Records []frame.Envelope
	Raw     []byte
}

type Options struct {
	Username string
	Password string
	Token    string
	MasterID int64
}

type Server struct {
	router   *gin.Engine
	login    auth.PasswordChecker
	tokens   auth.Validator
	token    string
	masterID int64
	appeared time.Time

	mu       sync.Mutex
	pages    map[string]Page
	failures []int
	requests []session.SyncRequest
	logins   int
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.TestMode)
	}
	if opts.Token == "" {
		opts.Token = "mock-token"
	}
	s := &Server{
		router:   gin.New(),
		login:    auth.StaticPassword{Username: opts.Username, Password: opts.Password},
		tokens:   auth.StaticToken{Token: opts.Token},
		token:    opts.Token,
		masterID: opts.MasterID,
		appeared: time.Now(),
		pages:    make(map[string]Page),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(observability.RequestLogger(log.Logger))
	s.router.Use(observability.RequestMetricsMiddleware("mockserver"))
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.appeared).String(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(observability.Registry, promhttp.HandlerOpts{})))
	s.router.POST(SyncPath, s.handleSync)
}

// SetPage scripts the response to a sync request carrying marker.
// Unscripted markers are answered with an empty page echoing the marker,
// which ends the client's run.
func (s *Server) SetPage(marker string, p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[marker] = p
}

// FailNext answers the next len(codes) requests with the given HTTP statuses.
func (s *Server) FailNext(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, codes...)
}

// Requests returns the sync requests received after login, passwords cleared.
func (s *Server) Requests() []session.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.SyncRequest(nil), s.requests...)
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) handleSync(c *gin.Context) {
	req, err := readRequest(c)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusBadRequest)
		return
	}
	body, status := s.respond(req)
	if status != http.StatusOK {
		c.Status(status)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", body)
}

func readRequest(c *gin.Context) (session.SyncRequest, error) {
	fh, err := c.FormFile(transport.FormField)
	if err != nil {
		return session.SyncRequest{}, errors.Join(ErrBadRequest, err)
	}
	f, err := fh.Open()
	if err != nil {
		return session.SyncRequest{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return session.SyncRequest{}, err
	}
	envs, err := frame.DecodeAll(data, frame.DefaultLimits())
	if err != nil {
		return session.SyncRequest{}, errors.Join(ErrBadRequest, err)
	}
	if len(envs) != 1 || envs[0].Kind != schema.KindSyncRequest {
		return session.SyncRequest{}, ErrBadRequest
	}
	return session.DecodeSyncRequest(envs[0].Body)
}

func (s *Server) respond(req session.SyncRequest) ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		code := s.failures[0]
		s.failures = s.failures[1:]
		return nil, code
	}

	if req.AuthOnly() {
		s.logins++
		if err := s.login.Check(req.Username, req.Password); err != nil {
			return s.encode(session.SyncResult{
				Status:       session.StatusAuthenticationFailed,
				ErrorMessage: "Incorrect username or password",
			})
		}
		return s.encode(session.SyncResult{Status: session.StatusOK, Token: s.token, MasterID: s.masterID})
	}

	req.Password = ""
	s.requests = append(s.requests, req)
	if err := s.tokens.Validate(req.Token); err != nil {
		return s.encode(session.SyncResult{Status: session.StatusAuthenticationFailed, ErrorMessage: "session expired"})
	}
	p, ok := s.pages[req.Marker]
	if !ok {
		return s.encode(session.SyncResult{Status: session.StatusOK, Marker: req.Marker})
	}
	if p.Raw != nil {
		return p.Raw, http.StatusOK
	}
	return s.encode(session.SyncResult{
		Status:       p.Status,
		ErrorMessage: p.Message,
		MasterID:     s.masterID,
		Marker:       p.Marker,
	}, p.Records...)
}

func (s *Server) encode(res session.SyncResult, records ...frame.Envelope) ([]byte, int) {
	body, err := session.EncodePage(res, records...)
	if err != nil {
		log.Error().Err(err).Msg("mockserver: encode page")
		return nil, http.StatusInternalServerError
	}
	return body, http.StatusOK
}

// Serve runs the server on addr until it fails.
func (s *Server) Serve(addr string) error {
	return s.router.Run(addr)
}

// ScriptDemo fills pages with generated Food records. Page i is requested
// with marker "p<i>" ("" for the first) and the last page answers with the
// end sentinel.
func (s *Server) ScriptDemo(pages, perPage int) {
	id := int64(1)
	for i := 0; i < pages; i++ {
		marker := ""
		if i > 0 {
			marker = fmt.Sprintf("p%d", i)
		}
		next := ""
		if i < pages-1 {
			next = fmt.Sprintf("p%d", i+1)
		}
		records := make([]frame.Envelope, 0, perPage)
		for j := 0; j < perPage; j++ {
			records = append(records, frame.Envelope{Kind: schema.KindFood, Body: tlv.Frame{
				tlv.NewInt(schema.FoodTagMasterID, id),
				tlv.NewText(schema.FoodTagDescription, fmt.Sprintf("Demo food %d", id)),
				tlv.NewNested(schema.FoodTagNutrients, tlv.Frame{tlv.NewFloat32(1, float32(50*id))}),
			}})
			id++
		}
		s.SetPage(marker, Page{Marker: next, Records: records})
	}
}
