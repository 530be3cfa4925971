package simnet

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/config"
)

// Config holds the size and timing of a simulation run.
type Config struct {
	// Servers is the number of address servers, with ids 1..Servers.
	Servers int
	// Clients is the number of clients that each lease one address.
	Clients int
	// Network supplies protocol timing and transport settings. The relay
	// address is replaced by a loopback listener chosen at run time.
	Network config.Config

	OverallTimeout time.Duration
	StepTimeout    time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration

	// Output receives the run summary. Nil means stdout.
	Output  io.Writer
	Verbose bool
}

// DefaultConfig returns a small, fast simulation.
func DefaultConfig() *Config {
	network := config.Default()
	network.Client.SelectionWindow = time.Second
	network.Client.NotNeededSpacing = 10 * time.Millisecond
	network.Relay.ProbeTimeout = 500 * time.Millisecond

	return &Config{
		Servers:        2,
		Clients:        3,
		Network:        network,
		OverallTimeout: 2 * time.Minute,
		StepTimeout:    30 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   200 * time.Millisecond,
		Verbose:        true,
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Servers <= 0 {
		return fmt.Errorf("at least one server is required")
	}
	if c.Servers > 255 {
		return fmt.Errorf("server count %d exceeds 255 distinct ids", c.Servers)
	}
	if c.Clients <= 0 {
		return fmt.Errorf("at least one client is required")
	}
	if capacity := c.Servers * addressesPerServer; c.Clients > capacity {
		return fmt.Errorf("%d clients exceed the %d addresses of %d servers", c.Clients, capacity, c.Servers)
	}
	if c.OverallTimeout <= 0 || c.StepTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	return c.Network.Validate()
}

// StepStatus is the outcome of a run or one of its steps.
type StepStatus int

const (
	StatusPending StepStatus = iota
	StatusRunning
	StatusPassed
	StatusFailed
)

func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusPassed:
		return "PASSED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StepResult records one step of the run.
type StepResult struct {
	Name          string
	Status        StepStatus
	ExecutionTime time.Duration
	ErrorMessage  string
}

// Results is the outcome of a whole run.
type Results struct {
	FinalStatus   StepStatus
	ExecutionTime time.Duration
	Steps         []StepResult
	// Leases maps client name to the address it was bound to.
	Leases       map[string]string
	ErrorDetails string
}

// Orchestrator executes one simulation run.
type Orchestrator struct {
	config    *Config
	out       io.Writer
	logger    *logrus.Entry
	startTime time.Time
	results   *Results
}

// NewOrchestrator validates cfg and prepares a run.
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	return &Orchestrator{
		config: cfg,
		out:    out,
		logger: logrus.WithField("component", "simnet"),
		results: &Results{
			FinalStatus: StatusPending,
			Leases:      make(map[string]string),
		},
	}, nil
}

// Run executes every step and writes the summary. The returned Results are
// complete even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (*Results, error) {
	o.startTime = time.Now()
	o.results.FinalStatus = StatusRunning

	o.printf("🧪 Lease Network Simulation\n")
	o.printf("===========================\n")
	if o.config.Verbose {
		o.logConfiguration()
	}

	runCtx, cancel := context.WithTimeout(ctx, o.config.OverallTimeout)
	defer cancel()

	err := o.execute(runCtx)

	o.results.ExecutionTime = time.Since(o.startTime)
	if err != nil {
		o.results.FinalStatus = StatusFailed
		o.results.ErrorDetails = err.Error()
	} else {
		o.results.FinalStatus = StatusPassed
	}

	o.generateReport()
	return o.results, err
}

func (o *Orchestrator) execute(ctx context.Context) error {
	s := newScenario(o.config, o.logger)
	defer func() {
		if err := s.Cleanup(); err != nil {
			o.logger.WithError(err).Warn("⚠️  Cleanup warning")
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"Network startup", s.startNetwork},
		{"Client setup", s.connectClients},
		{"Lease acquisition", s.acquireLeases},
		{"Lease refresh", s.refreshLeases},
		{"Lease release", s.releaseLeases},
	}

	for _, step := range steps {
		err := o.executeWithStepTracking(step.name, func() error {
			stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
			defer cancel()
			return step.run(stepCtx)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(step.name), err)
		}
		if step.name == "Lease acquisition" {
			for name, ip := range s.leases() {
				o.results.Leases[name] = ip
			}
		}
	}
	return nil
}

func (o *Orchestrator) executeWithStepTracking(name string, operation func() error) error {
	start := time.Now()
	o.logger.WithField("step", name).Info("🎯 Executing step")

	result := StepResult{Name: name, Status: StatusRunning}
	err := operation()
	result.ExecutionTime = time.Since(start)

	if err != nil {
		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		o.logger.WithFields(logrus.Fields{
			"step":  name,
			"error": err.Error(),
		}).Error("❌ Step failed")
	} else {
		result.Status = StatusPassed
		o.logger.WithFields(logrus.Fields{
			"step":     name,
			"duration": result.ExecutionTime,
		}).Info("✅ Step completed")
	}

	o.results.Steps = append(o.results.Steps, result)
	return err
}

func (o *Orchestrator) logConfiguration() {
	n := o.config.Network
	o.printf("📋 Configuration:\n")
	o.printf("   Servers: %d, clients: %d\n", o.config.Servers, o.config.Clients)
	o.printf("   Selection window: %v\n", n.Client.SelectionWindow)
	o.printf("   Lease duration: %v\n", n.Client.LeaseDuration)
	o.printf("   Offer hold: %v, lease hold: %v\n", n.Server.OfferHold, n.Server.LeaseHold)
	o.printf("   Secure transport: %v\n", n.Relay.Secure)
	o.printf("   Step timeout: %v, overall timeout: %v\n", o.config.StepTimeout, o.config.OverallTimeout)
	o.printf("\n")
}

func (o *Orchestrator) generateReport() {
	o.printf("\n📊 Simulation Summary\n")
	o.printf("=====================\n")
	o.printf("🎯 Overall Status: %s\n", o.results.FinalStatus)
	o.printf("⏱️  Total Execution Time: %v\n", o.results.ExecutionTime)

	if len(o.results.Steps) > 0 {
		o.printf("\n📋 Step Details:\n")
		for _, step := range o.results.Steps {
			icon := "✅"
			if step.Status == StatusFailed {
				icon = "❌"
			}
			o.printf("   %s %s (%v)\n", icon, step.Name, step.ExecutionTime)
			if step.ErrorMessage != "" {
				o.printf("      Error: %s\n", step.ErrorMessage)
			}
		}
	}

	if len(o.results.Leases) > 0 {
		o.printf("\n📦 Leases:\n")
		names := make([]string, 0, len(o.results.Leases))
		for name := range o.results.Leases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			o.printf("   %s → %s\n", name, o.results.Leases[name])
		}
	}

	if o.results.ErrorDetails != "" {
		o.printf("\n❌ Error Details:\n   %s\n", o.results.ErrorDetails)
	}

	o.printf("\n🏁 Simulation completed at %s\n", time.Now().Format(time.RFC3339))
	o.printf("%s\n", strings.Repeat("=", 50))
}

func (o *Orchestrator) printf(format string, args ...interface{}) {
	fmt.Fprintf(o.out, format, args...)
}

// GetResults returns the results recorded so far.
func (o *Orchestrator) GetResults() *Results {
	return o.results
}
