package simnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/leasenet"
	"github.com/opd-ai/leasenet/client"
	"github.com/opd-ai/leasenet/config"
	"github.com/opd-ai/leasenet/server"
)

// addressesPerServer is the size of one server's pool (.2 through .254).
const addressesPerServer = 253

type simClient struct {
	name   string
	engine *client.Engine
}

// scenario owns every component of one run.
type scenario struct {
	config *Config
	logger *logrus.Entry

	network config.Config
	relay   *leasenet.Relay
	servers []*server.Engine
	clients []*simClient

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	bound map[string]string
}

func newScenario(cfg *Config, logger *logrus.Entry) *scenario {
	return &scenario{
		config:  cfg,
		logger:  logger,
		network: cfg.Network,
		bound:   make(map[string]string),
	}
}

// spawn runs fn in the background until Cleanup.
func (s *scenario) spawn(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"component_name": name,
				"error":          err.Error(),
			}).Warn("Background component stopped with error")
		}
	}()
}

func (s *scenario) startNetwork(ctx context.Context) error {
	s.logger.Info("📡 Starting relay and servers")

	// Components outlive the step context; Cleanup stops them.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.network.Relay.Address = ln.Addr().String()

	s.relay = leasenet.NewRelay(s.network)
	s.spawn("relay", func() error { return s.relay.Serve(runCtx, ln) })

	for id := 1; id <= s.config.Servers; id++ {
		cfg := s.network
		cfg.Server.ID = id

		var engine *server.Engine
		if err := s.retryOperation(func() error {
			var err error
			engine, err = leasenet.DialServer(ctx, cfg)
			return err
		}); err != nil {
			return fmt.Errorf("server %d: %w", id, err)
		}
		s.servers = append(s.servers, engine)
		s.spawn(fmt.Sprintf("server-%d", id), func() error { return engine.Run(runCtx) })
	}

	if err := s.waitUntil(ctx, func() bool {
		return s.relay.Router().Servers() == s.config.Servers
	}); err != nil {
		return fmt.Errorf("servers did not register: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"relay":   s.network.Relay.Address,
		"servers": s.config.Servers,
	}).Info("✅ Network running")
	return nil
}

func (s *scenario) connectClients(ctx context.Context) error {
	s.logger.Info("👥 Connecting clients")

	runCtx := context.Background()
	for i := 1; i <= s.config.Clients; i++ {
		cfg := s.network
		cfg.Client.Name = fmt.Sprintf("client-%d", i)

		var engine *client.Engine
		if err := s.retryOperation(func() error {
			var err error
			engine, err = leasenet.DialClient(ctx, cfg)
			return err
		}); err != nil {
			return fmt.Errorf("%s: %w", cfg.Client.Name, err)
		}
		s.clients = append(s.clients, &simClient{name: cfg.Client.Name, engine: engine})
		s.spawn(cfg.Client.Name, func() error { return engine.Run(runCtx) })
	}

	return s.waitUntil(ctx, func() bool {
		return s.relay.Router().Clients() == s.config.Clients
	})
}

func (s *scenario) acquireLeases(ctx context.Context) error {
	s.logger.Info("🔑 Acquiring leases")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.clients {
		g.Go(func() error {
			// A cycle can end with no offers while other clients hold the
			// addresses being reclaimed, so retry discovery.
			return s.retryOperation(func() error {
				if err := c.engine.RequestAddress(); err != nil {
					return err
				}
				st, err := c.engine.WaitFor(gctx, func(st client.Status) bool {
					return st.State == client.StateBound ||
						(st.State == client.StateUnbound && st.TID1 == "")
				})
				if err != nil {
					return fmt.Errorf("%s: %w", c.name, err)
				}
				if st.State != client.StateBound {
					return fmt.Errorf("%s: no offers", c.name)
				}

				s.mu.Lock()
				s.bound[c.name] = st.CurrentIP
				s.mu.Unlock()
				s.logger.WithFields(logrus.Fields{
					"client": c.name,
					"ip":     st.CurrentIP,
				}).Info("✅ Lease bound")
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[string]string)
	for name, ip := range s.leases() {
		if other, dup := seen[ip]; dup {
			return fmt.Errorf("address %s leased to both %s and %s", ip, other, name)
		}
		seen[ip] = name
	}

	// Declined offers are returned, so only bound leases stay held.
	return s.waitUntil(ctx, func() bool { return s.heldTotal() == len(s.clients) })
}

func (s *scenario) refreshLeases(ctx context.Context) error {
	s.logger.Info("🔄 Refreshing leases")
	for _, c := range s.clients {
		if err := c.engine.RefreshLease(); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		if st := c.engine.Status(); st.LeaseRemaining <= 0 {
			return fmt.Errorf("%s: lease not running after refresh", c.name)
		}
	}
	return nil
}

func (s *scenario) releaseLeases(ctx context.Context) error {
	s.logger.Info("📤 Releasing leases")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.clients {
		g.Go(func() error {
			if err := c.engine.ReleaseAddress(); err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			_, err := c.engine.WaitFor(gctx, func(st client.Status) bool {
				return st.State == client.StateUnbound
			})
			if err != nil {
				return fmt.Errorf("%s: release not confirmed: %w", c.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return s.waitUntil(ctx, func() bool { return s.heldTotal() == 0 })
}

func (s *scenario) leases() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.bound))
	for k, v := range s.bound {
		out[k] = v
	}
	return out
}

func (s *scenario) heldTotal() int {
	n := 0
	for _, srv := range s.servers {
		n += len(srv.Held())
	}
	return n
}

// waitUntil polls cond until it holds or ctx ends.
func (s *scenario) waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// retryOperation performs an operation with exponential backoff.
func (s *scenario) retryOperation(operation func() error) error {
	var lastErr error
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			s.logger.WithFields(logrus.Fields{
				"attempt":      attempt + 1,
				"max_attempts": s.config.RetryAttempts,
				"backoff":      backoff,
			}).Info("⏳ Retrying operation")
			time.Sleep(backoff)
			backoff *= 2
		}

		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		lastErr = err
		s.logger.WithFields(logrus.Fields{
			"attempt":      attempt + 1,
			"max_attempts": s.config.RetryAttempts,
			"error":        err,
		}).Warn("⚠️  Operation failed")
	}

	return fmt.Errorf("operation failed after %d attempts: %w", s.config.RetryAttempts, lastErr)
}

// Cleanup disconnects every client and server, stops the relay and waits for
// the background loops.
func (s *scenario) Cleanup() error {
	s.logger.Info("🧹 Cleaning up simulation")

	var errs []error
	for _, c := range s.clients {
		if err := c.engine.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", c.name, err))
		}
	}
	for _, srv := range s.servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server %d: %w", srv.ID(), err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	s.wg.Wait()

	if len(errs) > 0 {
		s.logger.WithField("error_count", len(errs)).Warn("⚠️  Cleanup completed with errors")
		return errors.Join(errs...)
	}
	s.logger.Info("✅ Cleanup completed successfully")
	return nil
}
