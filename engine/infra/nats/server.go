package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type ServerOptions struct {
	EnableLogging bool
	ServerName    string
	Port          int // -1 picks a random port
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ServerName: "taskengine_embedded_server",
		Port:       -1,
	}
}

// Server is an in-process NATS server used when no external bus is configured.
type Server struct {
	ns      *server.Server
	Options ServerOptions
}

func NewServer(ctx context.Context, options ServerOptions) (*Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: options.ServerName,
		Host:       "127.0.0.1",
		Port:       options.Port,
		NoLog:      !options.EnableLogging,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating NATS server: %w", err)
	}
	if options.EnableLogging {
		ns.ConfigureLogger()
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start in time")
	}
	logger.FromContext(ctx).Info("Embedded NATS server started", "url", ns.ClientURL())
	return &Server{ns: ns, Options: options}, nil
}

func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

func (s *Server) IsRunning() bool {
	return s.ns != nil && s.ns.Running()
}

func (s *Server) Shutdown() {
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
	}
}

// Connect dials url with reconnects enabled.
func Connect(ctx context.Context, url string) (*nats.Conn, error) {
	log := logger.FromContext(ctx)
	conn, err := nats.Connect(url,
		nats.Name("taskengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}
