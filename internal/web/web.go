// Package web exposes the server engine over plain HTTP(S) for
// clients that cannot speak the binary protocol. The surface is the
// same verb set, carried as a single path segment with form-encoded
// parameters and JSON responses.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nerthus-project/nerthusd/internal/netutil"
	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/server"
	"github.com/nerthus-project/nerthusd/internal/tokendb"
)

// DefaultListenPort is the HTTP surface port.
const DefaultListenPort = 8080

const shutdownGrace = 5 * time.Second

// Server adapts the engine to HTTP. Configuration fields are set
// before Start.
type Server struct {
	BindAddress string
	ListenPort  int

	// EnableTLS switches the listener to HTTPS using the certificate
	// and key files.
	EnableTLS bool
	CertPath  string
	KeyPath   string

	// Filter, when set, screens client addresses like the binary
	// listener does.
	Filter *netutil.IPFilter

	// Tokens, when set, requires a valid access token on every verb.
	Tokens *tokendb.Store

	engine *server.Engine
	srv    *http.Server
}

// New builds an HTTP adapter over an engine.
func New(engine *server.Engine) *Server {
	return &Server{
		ListenPort: DefaultListenPort,
		engine:     engine,
	}
}

// Handler returns the root handler: every request is a verb addressed
// by its single path segment.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start launches the HTTP listener in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.BindAddress, fmt.Sprintf("%d", s.ListenPort))
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	if s.EnableTLS {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	go func() {
		var err error
		if s.EnableTLS {
			err = s.srv.ServeTLS(ln, s.CertPath, s.KeyPath)
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("web server: %v", err)
		}
	}()
	return nil
}

// Stop drains and shuts the HTTP listener down.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func writeResponse(w http.ResponseWriter, status int, success bool, message string, data map[string]any, reason string) error {
	resp, errs := schema.MakeResponse(success, message, data, reason)
	if len(errs) > 0 {
		resp, _ = schema.MakeResponse(false, server.MessageInternalError, nil, "")
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.Filter != nil {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !s.Filter.Accepts(host) {
			writeResponse(w, http.StatusForbidden, false, server.MessageRefused, nil, "")
			return
		}
	}

	path := strings.Trim(r.URL.Path, "/")
	if strings.Contains(path, "/") {
		writeResponse(w, http.StatusBadRequest, false, server.MessageBadRequest, nil, "")
		return
	}
	verb := strings.ToUpper(path)

	if verb == "" {
		writeResponse(w, http.StatusOK, true, server.MessageOK, map[string]any{
			"endpoints": map[string]string{
				"/" + schema.VerbCreate:  "create a container session (POST)",
				"/" + schema.VerbDestroy: "destroy a container session (POST)",
				"/" + schema.VerbStat:    "report server status (GET or POST)",
			},
		}, "")
		return
	}

	if !s.authenticate(w, r) {
		return
	}

	switch verb {
	case schema.VerbCreate:
		s.handleCreate(w, r)
	case schema.VerbDestroy:
		s.handleDestroy(w, r)
	case schema.VerbStat:
		s.handleStat(w, r)
	default:
		writeResponse(w, http.StatusBadRequest, false, server.MessageBadRequest, nil, server.ReasonUnhandledVerb)
	}
}

// authenticate enforces access-token authentication when a token store
// is configured. It answers the client itself on refusal.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if s.Tokens == nil {
		return true
	}

	token := r.FormValue("access_token")
	if token == "" {
		writeResponse(w, http.StatusForbidden, false, server.MessageBadRequest, nil, server.ReasonAccessTokenRequired)
		return false
	}
	_, ok, err := s.Tokens.GetEntryID(token)
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, false, server.MessageInternalError, nil, "")
		return false
	}
	if !ok {
		s.engine.FireEvent(server.EventAuthenticationError, server.EventData{Context: server.ContextError})
		writeResponse(w, http.StatusForbidden, false, server.MessageBadAuth, nil, server.ReasonInvalidAccessToken)
		return false
	}
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed, false, server.MessageBadRequest, nil, "")
		return
	}

	if avail, limited := s.engine.AvailableContainers(); limited && avail <= 0 {
		writeResponse(w, http.StatusServiceUnavailable, false, server.MessageUnavailable, nil, "")
		return
	}

	data, unwind, err := s.engine.ProvisionContainer(nil)
	if errors.Is(err, server.ErrRefused) {
		writeResponse(w, http.StatusForbidden, false, server.MessageRefused, nil, "")
		return
	}
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, false, server.MessageInternalError, nil, "")
		return
	}

	// A client that never receives its credentials can never reach the
	// container, so a failed write unwinds the whole session.
	if err := writeResponse(w, http.StatusOK, true, server.MessageOK, data, ""); err != nil {
		unwind()
	}
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed, false, server.MessageBadRequest, nil, "")
		return
	}

	req, verifyErrs := schema.VerifyRequest(schema.Request{
		Verb: schema.VerbDestroy,
		Parameters: map[string]string{
			"container_uuid": r.FormValue("container_uuid"),
			"client_token":   r.FormValue("client_token"),
		},
	})
	if len(verifyErrs) > 0 {
		writeResponse(w, http.StatusBadRequest, false, server.MessageBadRequest, nil, server.ReasonMalformedRequest)
		return
	}

	err := s.engine.DestroyContainer(nil, req.Parameters["container_uuid"], req.Parameters["client_token"])
	if errors.Is(err, server.ErrBadAuthentication) {
		writeResponse(w, http.StatusForbidden, false, server.MessageBadAuth, nil, "")
		return
	}
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, false, server.MessageInternalError, nil, "")
		return
	}
	writeResponse(w, http.StatusOK, true, server.MessageOK, nil, "")
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed, false, server.MessageBadRequest, nil, "")
		return
	}
	writeResponse(w, http.StatusOK, true, server.MessageOK, s.engine.StatData(), "")
}
