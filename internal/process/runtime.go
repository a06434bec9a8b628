// Package process assembles the daemon runtime: logging, the RSA
// identity, engine and web server wiring, policy event handlers (IP
// filtering, access tokens, capacity admission), pid files and the log
// rotation worker.
package process

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nerthus-project/nerthusd/internal/config"
	"github.com/nerthus-project/nerthusd/internal/creddb"
	"github.com/nerthus-project/nerthusd/internal/forwarding"
	"github.com/nerthus-project/nerthusd/internal/logrotate"
	"github.com/nerthus-project/nerthusd/internal/netutil"
	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/server"
	"github.com/nerthus-project/nerthusd/internal/tokendb"
	"github.com/nerthus-project/nerthusd/internal/virt"
	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
	"github.com/nerthus-project/nerthusd/internal/web"
)

// Options are the CLI-level switches layered over the configuration.
type Options struct {
	// EnableWeb forces the HTTP surface on even if the configuration
	// leaves it disabled.
	EnableWeb bool
	// EnableStdoutLog tees the log to stdout in addition to the log
	// file.
	EnableStdoutLog bool
}

// Runtime is one assembled daemon instance.
type Runtime struct {
	Config *config.Config
	Engine *server.Engine
	Web    *web.Server

	tokens  *tokendb.Store
	rotator *logrotate.Rotator
	logFile *os.File
}

// NewRuntime builds the full daemon from a validated configuration:
// stores, engine, policy handlers and the optional web surface. Start
// brings it up.
func NewRuntime(cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	if err := rt.setupLogging(opts.EnableStdoutLog); err != nil {
		return nil, err
	}

	keypair, err := LoadOrCreateKeyPair(cfg.Server.RSAPrivateKeyPath, cfg.Server.EnableOnetimeRSAKeys, vmcrypto.DefaultKeySize)
	if err != nil {
		return nil, err
	}

	credentials, err := creddb.Open()
	if err != nil {
		return nil, fmt.Errorf("open session credentials database: %w", err)
	}

	manager := virt.NewManager()
	pool := forwarding.NewPool(cfg.PortForwarding.PortRangeBegin, cfg.PortForwarding.PortRangeEnd)

	engine := server.New(keypair,
		server.NewDomainRegistry(manager),
		server.NewForwarderRegistry(pool),
		credentials)
	engine.BindAddress = cfg.EngineBindAddress()
	engine.ListenPort = cfg.Server.ListenPort
	engine.Timeout = time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	engine.MaxContainers = cfg.Container.MaxRunning
	engine.ContainerISOPath = cfg.Container.ISOFilePath
	engine.ContainerMemory = cfg.Container.MemoryMiB
	engine.ContainerVCPUs = cfg.Container.VCPUs
	engine.NATInterface = cfg.Container.NATInterfaceName
	engine.EndpointCredentials = virt.EndpointCredentials{
		Username: cfg.Container.EndpointUsername,
		Password: cfg.Container.EndpointPassword,
		Port:     cfg.Container.EndpointListenPort,
	}
	rt.Engine = engine

	if cfg.AccessToken.Enabled {
		tokens, err := tokendb.Open(cfg.AccessToken.DatabaseFilePath)
		if err != nil {
			return nil, fmt.Errorf("open access token database: %w", err)
		}
		rt.tokens = tokens
	}

	var filter *netutil.IPFilter
	if cfg.IPFilter.Enabled {
		filter = &netutil.IPFilter{
			Allowed: cfg.IPFilter.AllowedIPList,
			Denied:  cfg.IPFilter.DeniedIPList,
		}
	}
	rt.bindEventHandlers(filter)

	if cfg.WebServer.Enabled || opts.EnableWeb {
		ws := web.New(engine)
		ws.BindAddress = cfg.EngineBindAddress()
		ws.ListenPort = cfg.WebServer.ListenPort
		ws.EnableTLS = cfg.WebServer.EnableSSL
		ws.CertPath = cfg.WebServer.SSLCertificatePath
		ws.KeyPath = cfg.WebServer.SSLPrivateKeyPath
		ws.Filter = filter
		ws.Tokens = rt.tokens
		rt.Web = ws
	}

	if cfg.LogRotation.Enabled && cfg.Server.LogFilePath != "" {
		rt.rotator = &logrotate.Rotator{
			LogFilePath: cfg.Server.LogFilePath,
			MaxLines:    cfg.LogRotation.MaxLogLines,
			Action:      cfg.LogRotation.Action,
			ArchiveDir:  cfg.LogRotation.ArchiveFolderPath,
		}
	}

	return rt, nil
}

// setupLogging points the default logger at the configured log file,
// optionally teeing to stdout. No log file configured means stdout
// only.
func (rt *Runtime) setupLogging(stdout bool) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	path := rt.Config.Server.LogFilePath
	if path == "" {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	rt.logFile = fd

	if stdout {
		log.SetOutput(io.MultiWriter(fd, os.Stdout))
	} else {
		log.SetOutput(fd)
	}
	return nil
}

// bindEventHandlers installs the runtime policy and logging hooks on
// the engine. One handler per event carries both concerns.
func (rt *Runtime) bindEventHandlers(filter *netutil.IPFilter) {
	e := rt.Engine

	e.SetEventHandler(server.EventServerStarted, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("server started, listening on port %d", e.ListenPort)
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventServerStopped, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("server stopped (context %s)", d.Context)
		return server.OutcomeContinue
	})

	e.SetEventHandler(server.EventConnectionAccepted, func(e *server.Engine, d server.EventData) server.Outcome {
		host := d.Conn.RemoteAddr().String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if filter != nil && !filter.Accepts(host) {
			log.Printf("refused connection from %s", host)
			return server.OutcomeAbort
		}
		return server.OutcomeContinue
	})

	e.SetEventHandler(server.EventClientInitialized, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("(%s) client connected", d.Session.ID())
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventClientClosed, func(e *server.Engine, d server.EventData) server.Outcome {
		if d.Session != nil {
			log.Printf("(%s) client closed (context %s)", d.Session.ID(), d.Context)
		}
		return server.OutcomeContinue
	})

	e.SetEventHandler(server.EventRequest, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("(%s) received verb %s", d.Session.ID(), d.Request.Verb)

		if rt.tokens != nil {
			token, ok := d.Request.Parameters["access_token"]
			if !ok || token == "" {
				d.Session.SendResponse(false, server.MessageBadRequest, nil, server.ReasonAccessTokenRequired)
				return server.OutcomeAbort
			}
			if _, ok, err := rt.tokens.GetEntryID(token); err != nil || !ok {
				e.FireEvent(server.EventAuthenticationError, server.EventData{Context: server.ContextError, Session: d.Session})
				d.Session.SendResponse(false, server.MessageBadAuth, nil, server.ReasonInvalidAccessToken)
				return server.OutcomeAbort
			}
		}

		if d.Request.Verb == schema.VerbCreate {
			if avail, limited := e.AvailableContainers(); limited && avail <= 0 {
				log.Printf("(%s) create refused, no container slot available", d.Session.ID())
				d.Session.SendResponse(false, server.MessageUnavailable, nil, "")
				return server.OutcomeAbort
			}
		}
		return server.OutcomeContinue
	})

	e.SetEventHandler(server.EventMalformedRequest, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("(%s) received malformed request", d.Session.ID())
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventUnhandledVerb, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("(%s) received unhandled verb %q", d.Session.ID(), d.Request.Verb)
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventAuthenticationError, func(e *server.Engine, d server.EventData) server.Outcome {
		if d.Session != nil {
			log.Printf("(%s) authentication failed", d.Session.ID())
		} else {
			log.Printf("authentication failed on web request")
		}
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventRuntimeError, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("runtime error: %v", d.Err)
		return server.OutcomeContinue
	})

	e.SetEventHandler(server.EventContainerDomainStarted, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("container %s domain started", d.Container.UUID())
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventContainerDomainStopped, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("container %s domain stopped", d.Container.UUID())
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventForwarderStarted, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("forwarder started on port %d", d.Forwarder.ListenPort())
		return server.OutcomeContinue
	})
	e.SetEventHandler(server.EventForwarderStopped, func(e *server.Engine, d server.EventData) server.Outcome {
		log.Printf("forwarder on port %d stopped", d.Forwarder.ListenPort())
		return server.OutcomeContinue
	})
}

// Start brings the daemon up: engine, web surface, rotation worker and
// pid file.
func (rt *Runtime) Start() error {
	if err := rt.Engine.Start(); err != nil {
		return err
	}
	if rt.Web != nil {
		if err := rt.Web.Start(); err != nil {
			rt.Engine.Stop(false)
			return err
		}
	}
	if rt.rotator != nil {
		rt.rotator.Start()
	}
	if path := rt.Config.Server.PIDFilePath; path != "" {
		if err := WritePIDFile(path); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the daemon down in reverse start order.
func (rt *Runtime) Stop() {
	if rt.rotator != nil {
		rt.rotator.Stop()
	}
	if rt.Web != nil {
		rt.Web.Stop()
	}
	rt.Engine.Stop(false)
	if rt.tokens != nil {
		rt.tokens.Close()
	}
	if path := rt.Config.Server.PIDFilePath; path != "" {
		RemovePIDFile(path)
	}
	if rt.logFile != nil {
		rt.logFile.Close()
		rt.logFile = nil
	}
}

// Run starts the daemon and blocks until SIGINT or SIGTERM, then
// stops it.
func (rt *Runtime) Run() error {
	if err := rt.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("received %s, shutting down", s)

	rt.Stop()
	return nil
}

// ErrNotRunning is returned by StopDaemon when no pid file exists.
var ErrNotRunning = errors.New("server is not running")

// StopDaemon terminates a running daemon through its pid file.
func StopDaemon(pidPath string) error {
	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		return ErrNotRunning
	}
	return SignalDaemon(pidPath, syscall.SIGTERM)
}
