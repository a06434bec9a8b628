// Package server implements the binary protocol server engine: the
// TCP accept loop, the per-session request pipeline, the event hook
// surface and the CREATE/DESTROY/STAT verb handlers.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nerthus-project/nerthusd/internal/creddb"
	"github.com/nerthus-project/nerthusd/internal/protocol"
	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/virt"
	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
)

// DefaultListenPort is the binary protocol port.
const DefaultListenPort = 6150

// Canonical response messages and refusal reasons.
const (
	MessageOK            = "OK"
	MessageBadAuth       = "Bad authentication"
	MessageBadRequest    = "Bad request"
	MessageUnavailable   = "Unavailable"
	MessageRefused       = "Refused request"
	MessageInternalError = "Internal error"

	ReasonMalformedRequest    = "Malformed request"
	ReasonUnhandledVerb       = "Unhandled verb"
	ReasonAccessTokenRequired = "Access token is required"
	ReasonInvalidAccessToken  = "Invalid access token"
)

const reaperInterval = time.Second

// RuntimeStatistics is a snapshot of the engine state.
type RuntimeStatistics struct {
	Running          bool
	StartTimestamp   int64
	RuntimeErrors    int64
	ConnectedClients int
}

// Engine drives the binary protocol server. Configuration fields are
// set before Start and not touched afterwards.
type Engine struct {
	BindAddress string
	ListenPort  int

	// Timeout bounds each read and write on a client session. An
	// in-flight request is never cut short by it; only a stalled read
	// or write trips the deadline. Zero disables it.
	Timeout time.Duration

	// MaxContainers caps concurrently stored containers; zero means
	// unlimited.
	MaxContainers int

	ContainerISOPath string
	ContainerMemory  int
	ContainerVCPUs   int
	NATInterface     string

	EndpointCredentials  virt.EndpointCredentials
	ClientPasswordLength int
	DomainStartTryouts   int

	Domains     DomainRegistry
	Forwarders  ForwarderRegistry
	Credentials *creddb.Store

	keypair *vmcrypto.KeyPair

	mu              sync.Mutex
	eventHandlers   map[Event]EventHandler
	requestHandlers map[string]RequestHandler
	sessions        map[*protocol.Session]struct{}
	listener        net.Listener
	running         bool
	startTimestamp  int64
	runtimeErrors   int64
	done            chan struct{}
}

// New assembles an engine over its backends and registers the builtin
// verb handlers.
func New(keypair *vmcrypto.KeyPair, domains DomainRegistry, forwarders ForwarderRegistry, credentials *creddb.Store) *Engine {
	e := &Engine{
		ListenPort:           DefaultListenPort,
		ContainerMemory:      virt.DefaultMemoryMiB,
		ContainerVCPUs:       virt.DefaultVCPUs,
		ClientPasswordLength: virt.ClientPasswordLength,
		DomainStartTryouts:   virt.DefaultWaitMaxTryouts,
		Domains:              domains,
		Forwarders:           forwarders,
		Credentials:          credentials,
		keypair:              keypair,
		eventHandlers:        make(map[Event]EventHandler),
		requestHandlers:      make(map[string]RequestHandler),
		sessions:             make(map[*protocol.Session]struct{}),
	}
	e.SetRequestHandler(schema.VerbCreate, handleCreate)
	e.SetRequestHandler(schema.VerbDestroy, handleDestroy)
	e.SetRequestHandler(schema.VerbStat, handleStat)
	return e
}

// KeyPair returns the engine's RSA identity.
func (e *Engine) KeyPair() *vmcrypto.KeyPair { return e.keypair }

// SetEventHandler installs the handler for an event, replacing any
// previous one. A nil handler removes it.
func (e *Engine) SetEventHandler(ev Event, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.eventHandlers, ev)
		return
	}
	e.eventHandlers[ev] = h
}

// SetRequestHandler installs the handler for a verb, replacing any
// previous one. A nil handler removes it.
func (e *Engine) SetRequestHandler(verb string, h RequestHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.requestHandlers, verb)
		return
	}
	e.requestHandlers[verb] = h
}

// FireEvent invokes the handler installed for an event. No handler
// means OutcomeContinue.
func (e *Engine) FireEvent(ev Event, data EventData) Outcome {
	e.mu.Lock()
	h := e.eventHandlers[ev]
	e.mu.Unlock()
	if h == nil {
		return OutcomeContinue
	}
	return h(e, data)
}

// IsRunning reports whether the engine is accepting connections.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Statistics returns a runtime snapshot.
func (e *Engine) Statistics() RuntimeStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return RuntimeStatistics{
		Running:          e.running,
		StartTimestamp:   e.startTimestamp,
		RuntimeErrors:    e.runtimeErrors,
		ConnectedClients: len(e.sessions),
	}
}

func (e *Engine) recordRuntimeError(ctx Context, err error, sess *protocol.Session) {
	e.mu.Lock()
	e.runtimeErrors++
	e.mu.Unlock()
	e.FireEvent(EventRuntimeError, EventData{Context: ctx, Err: err, Session: sess})
}

// Start binds the listener and launches the accept and reaper loops.
// It does not block; use Stop to shut down.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("server is already running")
	}

	addr := net.JoinHostPort(e.BindAddress, fmt.Sprintf("%d", e.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	e.listener = ln
	e.running = true
	e.startTimestamp = time.Now().Unix()
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.FireEvent(EventServerStarted, EventData{Context: ContextNormalProcess})

	go e.acceptLoop(ln)
	go e.reapLoop()
	return nil
}

// Stop tears the server down: listener, client sessions, domains,
// forwarders and the credentials store. With dieOnError set the
// process exits with the crash status after teardown.
func (e *Engine) Stop(dieOnError bool) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ln := e.listener
	e.listener = nil
	close(e.done)
	open := make([]*protocol.Session, 0, len(e.sessions))
	for s := range e.sessions {
		open = append(open, s)
	}
	e.sessions = make(map[*protocol.Session]struct{})
	e.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range open {
		s.Close()
		e.FireEvent(EventClientClosed, EventData{Context: ContextAutomaticAction, Session: s})
	}

	e.Domains.Close()
	e.Forwarders.Close()
	e.Credentials.Close()

	ctx := ContextNormalProcess
	if dieOnError {
		ctx = ContextError
	}
	e.FireEvent(EventServerStopped, EventData{Context: ctx})

	if dieOnError {
		os.Exit(0xDEAD)
	}
}

func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			e.recordRuntimeError(ContextError, fmt.Errorf("accept connection: %w", err), nil)
			continue
		}
		go e.handleConnection(conn)
	}
}

// reapLoop drops closed sessions from the registry and reclaims
// containers whose domain shut down outside a DESTROY.
func (e *Engine) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		for s := range e.sessions {
			if s.IsClosed() {
				delete(e.sessions, s)
			}
		}
		e.mu.Unlock()

		e.reapStoppedContainers()
	}
}

// reapStoppedContainers releases everything held by containers whose
// domain is no longer running: the forwarder and its port, both
// registrations and the session credential entry. A guest shutting
// itself down is equivalent to its owner never coming back.
func (e *Engine) reapStoppedContainers() {
	for _, c := range e.Domains.ListContainers() {
		if c.IsDomainRunning() {
			continue
		}
		containerUUID := c.UUID()
		e.FireEvent(EventContainerDomainStopped, EventData{Context: ContextAutomaticAction, Container: c})

		if fwd := e.Forwarders.GetForwarder(containerUUID); fwd != nil {
			e.Forwarders.DeleteForwarder(containerUUID, true)
			e.FireEvent(EventForwarderStopped, EventData{Context: ContextAutomaticAction, Forwarder: fwd})
		}
		e.Domains.DeleteContainer(containerUUID)

		entryID, ok, err := e.Credentials.GetContainerUUIDEntryID(containerUUID)
		if err != nil {
			e.recordRuntimeError(ContextAutomaticAction, fmt.Errorf("look up credentials of reaped container: %w", err), nil)
			continue
		}
		if ok {
			if err := e.Credentials.DeleteEntry(entryID); err != nil {
				e.recordRuntimeError(ContextAutomaticAction, fmt.Errorf("revoke credentials of reaped container: %w", err), nil)
			}
		}
	}
}

func (e *Engine) trackSession(s *protocol.Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) closeSession(s *protocol.Session, ctx Context) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
	s.Close()
	e.FireEvent(EventClientClosed, EventData{Context: ctx, Session: s})
}

// handleConnection runs the full lifecycle of one client connection:
// acceptance veto, session setup, key exchange, one request, one
// response.
func (e *Engine) handleConnection(conn net.Conn) {
	if e.FireEvent(EventConnectionAccepted, EventData{Context: ContextNormalProcess, Conn: conn}) == OutcomeAbort {
		conn.Close()
		return
	}

	sess, err := protocol.NewSession(conn, e.keypair)
	if err != nil {
		e.recordRuntimeError(ContextError, err, nil)
		conn.Close()
		return
	}
	sess.SetTimeout(e.Timeout)
	e.trackSession(sess)

	if e.FireEvent(EventClientInitialized, EventData{Context: ContextNormalProcess, Session: sess}) == OutcomeAbort {
		e.closeSession(sess, ContextNormalProcess)
		return
	}

	if err := sess.ExchangeKeys(); err != nil {
		e.recordRuntimeError(ContextError, fmt.Errorf("key exchange with %s: %w", sess.ID(), err), sess)
		e.closeSession(sess, ContextError)
		return
	}

	e.handleSession(sess)
}

func (e *Engine) handleSession(sess *protocol.Session) {
	req, verifyErrs, err := sess.RecvRequest()
	if err != nil {
		e.recordRuntimeError(ContextError, fmt.Errorf("receive request from %s: %w", sess.ID(), err), sess)
		e.closeSession(sess, ContextError)
		return
	}
	if len(verifyErrs) > 0 {
		e.FireEvent(EventMalformedRequest, EventData{Context: ContextError, Session: sess, Request: &req})
		sess.SendResponse(false, MessageBadRequest, nil, ReasonMalformedRequest)
		e.closeSession(sess, ContextHandleEnd)
		return
	}

	// An aborting on_request handler has already answered the client
	// (authentication or capacity refusals live there).
	if e.FireEvent(EventRequest, EventData{Context: ContextNormalProcess, Session: sess, Request: &req}) == OutcomeAbort {
		e.closeSession(sess, ContextHandleEnd)
		return
	}

	e.mu.Lock()
	handler := e.requestHandlers[req.Verb]
	e.mu.Unlock()

	if handler == nil {
		e.FireEvent(EventUnhandledVerb, EventData{Context: ContextError, Session: sess, Request: &req})
		sess.SendResponse(false, MessageBadRequest, nil, ReasonUnhandledVerb)
		e.closeSession(sess, ContextHandleEnd)
		return
	}

	handler(e, sess, req)
	e.closeSession(sess, ContextHandleEnd)
}
