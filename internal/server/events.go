package server

import (
	"net"

	"github.com/nerthus-project/nerthusd/internal/protocol"
	"github.com/nerthus-project/nerthusd/internal/schema"
)

// Event identifies a point in the engine lifecycle where external
// handlers can observe or veto processing.
type Event string

const (
	EventContainerCreated       Event = "on_container_created"
	EventContainerDomainStarted Event = "on_container_domain_started"
	EventContainerDomainStopped Event = "on_container_domain_stopped"
	EventForwarderCreated       Event = "on_forwarder_created"
	EventForwarderStarted       Event = "on_forwarder_started"
	EventForwarderStopped       Event = "on_forwarder_stopped"
	EventEndpointShellCreated   Event = "on_endpoint_shell_created"
	EventEndpointShellOpened    Event = "on_endpoint_shell_opened"
	EventEndpointShellClosed    Event = "on_endpoint_shell_closed"
	EventServerStarted          Event = "on_server_started"
	EventServerStopped          Event = "on_server_stopped"
	EventClientInitialized      Event = "on_client_initialized"
	EventClientClosed           Event = "on_client_closed"
	EventConnectionAccepted     Event = "on_connection_accepted"
	EventRequest                Event = "on_request"
	EventAuthenticationError    Event = "on_authentication_error"
	EventRuntimeError           Event = "on_runtime_error"
	EventMalformedRequest       Event = "on_malformed_request"
	EventUnhandledVerb          Event = "on_unhandled_verb"
)

// Context qualifies the circumstances an event fires under.
type Context string

const (
	ContextNormalProcess   Context = "NORMAL_PROCESS"
	ContextAutomaticAction Context = "AUTOMATIC_ACTION"
	ContextDeferredCall    Context = "DEFERRED_CALL"
	ContextHandleEnd       Context = "HANDLE_END"
	ContextError           Context = "ERROR"
)

// Outcome is an event handler's verdict on the processing chain.
type Outcome int

const (
	// OutcomeContinue lets the engine proceed.
	OutcomeContinue Outcome = iota
	// OutcomeAbort stops the current processing chain. During request
	// handling the engine unwinds partial resources and answers
	// "Refused request"; a handler that already responded should close
	// the session before aborting.
	OutcomeAbort
)

// EventData carries everything known about the processing state when
// an event fires. Fields irrelevant to the event are zero.
type EventData struct {
	Context   Context
	Conn      net.Conn
	Session   *protocol.Session
	Request   *schema.Request
	Container Domain
	Forwarder Forwarder
	Shell     Shell
	Err       error
}

// EventHandler observes one event. The engine serializes handler
// invocations per session.
type EventHandler func(e *Engine, data EventData) Outcome

// RequestHandler services one verb on an established session. The
// handler owns the response.
type RequestHandler func(e *Engine, session *protocol.Session, req schema.Request)
