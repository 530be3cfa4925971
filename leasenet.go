package leasenet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/client"
	"github.com/opd-ai/leasenet/config"
	"github.com/opd-ai/leasenet/metrics"
	"github.com/opd-ai/leasenet/relay"
	"github.com/opd-ai/leasenet/server"
	"github.com/opd-ai/leasenet/transport"
)

// Version is reported by the build_info metric and the CLI.
const Version = "0.1.0"

// TransportOptions returns the connection settings shared by every peer.
func TransportOptions(cfg config.Config) transport.Options {
	return transport.Options{
		Secure:           cfg.Relay.Secure,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
	}
}

// RelayConfig maps cfg onto the router's settings.
func RelayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		ProbeTimeout: cfg.Relay.ProbeTimeout,
		Transport:    TransportOptions(cfg),
	}
}

// ServerConfig maps cfg onto an address server's settings.
func ServerConfig(cfg config.Config) server.Config {
	return server.Config{
		ID:            cfg.Server.ID,
		Base:          cfg.Server.Base,
		OfferHold:     cfg.Server.OfferHold,
		LeaseHold:     cfg.Server.LeaseHold,
		SweepInterval: cfg.Server.SweepInterval,
	}
}

// ClientConfig maps cfg onto a client's settings.
func ClientConfig(cfg config.Config) client.Config {
	return client.Config{
		Name:             cfg.Client.Name,
		SelectionWindow:  cfg.Client.SelectionWindow,
		LeaseDuration:    cfg.Client.LeaseDuration,
		NotNeededSpacing: cfg.Client.NotNeededSpacing,
	}
}

// Relay is a router bound to the configured listen address.
type Relay struct {
	router  *relay.Router
	address string
}

// NewRelay builds a relay from cfg. Call Run or Serve to accept peers.
func NewRelay(cfg config.Config) *Relay {
	return &Relay{
		router:  relay.NewRouter(RelayConfig(cfg)),
		address: cfg.Relay.Address,
	}
}

// Router exposes the underlying router for status queries.
func (r *Relay) Router() *relay.Router { return r.router }

// Run listens on the configured address until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	return r.router.ListenAndServe(ctx, r.address)
}

// Serve accepts peers on an existing listener until ctx is canceled.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	return r.router.Serve(ctx, ln)
}

// Close disconnects every peer.
func (r *Relay) Close() error {
	return r.router.Close()
}

// DialServer connects an address server to the relay. The caller runs the
// returned engine with Run.
func DialServer(ctx context.Context, cfg config.Config) (*server.Engine, error) {
	conn, err := transport.Dial(ctx, cfg.Relay.Address, transport.RoleServer, TransportOptions(cfg))
	if err != nil {
		return nil, err
	}
	e, err := server.New(conn, ServerConfig(cfg))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

// DialClient connects a client to the relay. The caller runs the returned
// engine with Run.
func DialClient(ctx context.Context, cfg config.Config) (*client.Engine, error) {
	conn, err := transport.Dial(ctx, cfg.Relay.Address, transport.RoleClient, TransportOptions(cfg))
	if err != nil {
		return nil, err
	}
	e, err := client.New(conn, ClientConfig(cfg))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

// ServeMetrics serves /metrics on addr until ctx is canceled.
func ServeMetrics(ctx context.Context, addr string) error {
	metrics.SetBuildInfo(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "ServeMetrics",
		"address":  addr,
	}).Info("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
