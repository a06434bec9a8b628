package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerthus-project/nerthusd/internal/protocol"
	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/version"
)

// ErrRefused marks a provisioning chain stopped by an aborting event
// handler rather than a failure.
var ErrRefused = errors.New("refused by event handler")

// ErrBadAuthentication is returned by DestroyContainer when the
// credentials match no issued session.
var ErrBadAuthentication = errors.New("bad session credentials")

// createState tracks partially provisioned CREATE resources so a
// failure or veto at any step can unwind them in reverse order.
type createState struct {
	engine  *Engine
	cleanup []func()
}

func (st *createState) addCleanup(fn func()) {
	st.cleanup = append(st.cleanup, fn)
}

func (st *createState) unwind() {
	for i := len(st.cleanup) - 1; i >= 0; i-- {
		st.cleanup[i]()
	}
	st.cleanup = nil
}

// ProvisionContainer runs the full CREATE chain: domain boot, in-guest
// account setup over the endpoint shell, port forwarder, registration
// and credentials issuance. sess is the binary session the work is for,
// nil for HTTP callers; it only rides along in event data.
//
// On success the response payload is returned together with an unwind
// function the caller must invoke if it cannot deliver the payload: a
// client that never receives its credentials can never reach the
// container.
func (e *Engine) ProvisionContainer(sess *protocol.Session) (map[string]any, func(), error) {
	st := &createState{engine: e}

	fail := func(err error) (map[string]any, func(), error) {
		st.unwind()
		if !errors.Is(err, ErrRefused) {
			e.recordRuntimeError(ContextError, err, sess)
		}
		return nil, nil, err
	}

	c, err := e.Domains.CreateContainer(false)
	if err != nil {
		return fail(fmt.Errorf("create container: %w", err))
	}
	c.SetISOPath(e.ContainerISOPath)
	c.SetMemory(e.ContainerMemory)
	c.SetVCPUs(e.ContainerVCPUs)
	if e.NATInterface != "" {
		c.SetNATInterface(e.NATInterface)
	}

	isoChecksum, err := c.ISOChecksum()
	if err != nil {
		return fail(fmt.Errorf("checksum container ISO: %w", err))
	}

	if e.FireEvent(EventContainerCreated, EventData{Context: ContextNormalProcess, Session: sess, Container: c}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	if err := c.StartDomain(true, e.DomainStartTryouts); err != nil {
		return fail(fmt.Errorf("start container domain: %w", err))
	}
	st.addCleanup(func() {
		if c.IsDomainRunning() {
			c.StopDomain()
			e.FireEvent(EventContainerDomainStopped, EventData{Context: ContextAutomaticAction, Container: c})
		}
	})
	if e.FireEvent(EventContainerDomainStarted, EventData{Context: ContextNormalProcess, Session: sess, Container: c}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	shell, err := c.CreateEndpointShell(e.EndpointCredentials)
	if err != nil {
		return fail(fmt.Errorf("create endpoint shell: %w", err))
	}
	if e.FireEvent(EventEndpointShellCreated, EventData{Context: ContextNormalProcess, Session: sess, Container: c, Shell: shell}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	username, password, err := shell.GenerateClientCredentials(e.ClientPasswordLength)
	if err != nil {
		return fail(fmt.Errorf("generate client credentials: %w", err))
	}

	if err := shell.OpenShell(); err != nil {
		return fail(fmt.Errorf("open endpoint shell: %w", err))
	}
	st.addCleanup(func() {
		if !shell.IsClosed() {
			shell.CloseShell()
		}
	})
	if e.FireEvent(EventEndpointShellOpened, EventData{Context: ContextNormalProcess, Session: sess, Container: c, Shell: shell}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	// The setup script provisions the client account and closes the
	// shell on success.
	if err := shell.AdministrateContainer(); err != nil {
		return fail(fmt.Errorf("administrate container: %w", err))
	}
	e.FireEvent(EventEndpointShellClosed, EventData{Context: ContextNormalProcess, Session: sess, Container: c, Shell: shell})

	ip, err := c.IP()
	if err != nil {
		return fail(fmt.Errorf("resolve container IP: %w", err))
	}

	fwd, err := e.Forwarders.CreateForwarder(ip, c.UUID(), e.endpointPort(), false)
	if err != nil {
		return fail(fmt.Errorf("create forwarder: %w", err))
	}
	if e.FireEvent(EventForwarderCreated, EventData{Context: ContextNormalProcess, Session: sess, Container: c, Forwarder: fwd}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	if err := fwd.StartForward(); err != nil {
		return fail(fmt.Errorf("start forwarder: %w", err))
	}
	st.addCleanup(func() {
		if fwd.IsForwarding() {
			fwd.StopForward()
			e.FireEvent(EventForwarderStopped, EventData{Context: ContextAutomaticAction, Forwarder: fwd})
		}
	})
	if e.FireEvent(EventForwarderStarted, EventData{Context: ContextNormalProcess, Session: sess, Container: c, Forwarder: fwd}) == OutcomeAbort {
		return fail(ErrRefused)
	}

	if err := e.Domains.StoreContainer(c); err != nil {
		return fail(fmt.Errorf("register container: %w", err))
	}
	st.addCleanup(func() { e.Domains.DeleteContainer(c.UUID()) })

	if err := e.Forwarders.StoreForwarder(fwd); err != nil {
		return fail(fmt.Errorf("register forwarder: %w", err))
	}
	st.addCleanup(func() { e.Forwarders.DeleteForwarder(c.UUID(), false) })

	entryID, _, clientToken, err := e.Credentials.AddEntry(c.UUID())
	if err != nil {
		return fail(fmt.Errorf("issue session credentials: %w", err))
	}
	st.addCleanup(func() { e.Credentials.DeleteEntry(entryID) })

	data := map[string]any{
		"container_uuid":        c.UUID(),
		"client_token":          clientToken,
		"container_iso_sha256":  isoChecksum,
		"container_username":    username,
		"container_password":    password,
		"container_listen_port": fwd.ListenPort(),
	}
	return data, st.unwind, nil
}

// DestroyContainer authenticates the session credentials and tears the
// container down: domain, forwarder, registrations and the credential
// entry. ErrBadAuthentication reports a credentials mismatch.
func (e *Engine) DestroyContainer(sess *protocol.Session, containerUUID, clientToken string) error {
	entryID, ok, err := e.Credentials.GetEntryID(containerUUID, clientToken)
	if err != nil {
		e.recordRuntimeError(ContextError, fmt.Errorf("look up session credentials: %w", err), sess)
		return err
	}
	if !ok {
		e.FireEvent(EventAuthenticationError, EventData{Context: ContextError, Session: sess})
		return ErrBadAuthentication
	}

	if c := e.Domains.GetContainer(containerUUID); c != nil && c.IsDomainRunning() {
		if err := c.StopDomain(); err != nil {
			e.recordRuntimeError(ContextError, fmt.Errorf("stop container domain: %w", err), sess)
			return err
		}
		e.FireEvent(EventContainerDomainStopped, EventData{Context: ContextNormalProcess, Session: sess, Container: c})
	}

	if fwd := e.Forwarders.GetForwarder(containerUUID); fwd != nil {
		e.Forwarders.DeleteForwarder(containerUUID, true)
		e.FireEvent(EventForwarderStopped, EventData{Context: ContextNormalProcess, Session: sess, Forwarder: fwd})
	}

	e.Domains.DeleteContainer(containerUUID)
	if err := e.Credentials.DeleteEntry(entryID); err != nil {
		e.recordRuntimeError(ContextError, fmt.Errorf("delete session credentials: %w", err), sess)
		return err
	}
	return nil
}

// StatData builds the STAT response payload: version, uptime and
// remaining container capacity.
func (e *Engine) StatData() map[string]any {
	stats := e.Statistics()

	var available any = "nolimit"
	if e.MaxContainers > 0 {
		available = e.MaxContainers - e.Domains.Count()
	}

	return map[string]any{
		"version":   version.Version(),
		"uptime":    time.Now().Unix() - stats.StartTimestamp,
		"available": available,
	}
}

// handleCreate services CREATE on the binary protocol.
func handleCreate(e *Engine, sess *protocol.Session, req schema.Request) {
	data, unwind, err := e.ProvisionContainer(sess)
	if errors.Is(err, ErrRefused) {
		sess.SendResponse(false, MessageRefused, nil, "")
		return
	}
	if err != nil {
		sess.SendResponse(false, MessageInternalError, nil, "")
		return
	}

	if err := sess.SendResponse(true, MessageOK, data, ""); err != nil {
		unwind()
		e.recordRuntimeError(ContextError, fmt.Errorf("send CREATE response: %w", err), sess)
	}
}

// handleDestroy services DESTROY on the binary protocol.
func handleDestroy(e *Engine, sess *protocol.Session, req schema.Request) {
	err := e.DestroyContainer(sess, req.Parameters["container_uuid"], req.Parameters["client_token"])
	if errors.Is(err, ErrBadAuthentication) {
		sess.SendResponse(false, MessageBadAuth, nil, "")
		return
	}
	if err != nil {
		sess.SendResponse(false, MessageInternalError, nil, "")
		return
	}
	sess.SendResponse(true, MessageOK, nil, "")
}

// handleStat services STAT on the binary protocol.
func handleStat(e *Engine, sess *protocol.Session, req schema.Request) {
	sess.SendResponse(true, MessageOK, e.StatData(), "")
}

// endpointPort is the in-guest SSH port forwarders target.
func (e *Engine) endpointPort() int {
	if e.EndpointCredentials.Port > 0 {
		return e.EndpointCredentials.Port
	}
	return 22
}

// AvailableContainers mirrors the STAT "available" figure for callers
// outside the request path. The bool result is false when no limit is
// configured.
func (e *Engine) AvailableContainers() (int, bool) {
	if e.MaxContainers <= 0 {
		return 0, false
	}
	return e.MaxContainers - e.Domains.Count(), true
}
