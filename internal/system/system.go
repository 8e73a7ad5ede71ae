// Package system wires the trust engine, verification adapter, agent
// pool, consensus engine, monitor and scalability coordinator into one
// runnable control plane and exposes the programmatic entry points the
// REST surface delegates to.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vaultik/backend/internal/agent"
	"github.com/vaultik/backend/internal/audit"
	"github.com/vaultik/backend/internal/circuitbreaker"
	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/consensus"
	"github.com/vaultik/backend/internal/crypto"
	"github.com/vaultik/backend/internal/events"
	"github.com/vaultik/backend/internal/monitor"
	"github.com/vaultik/backend/internal/pool"
	"github.com/vaultik/backend/internal/scaling"
	"github.com/vaultik/backend/internal/trust"
	"github.com/vaultik/backend/internal/verify"
)

// ErrNotInitialized gates every operation that needs a running pool.
var ErrNotInitialized = errors.New("system: not initialized")

// AccessRequest is one vault access attempt as submitted by a caller.
type AccessRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	VaultID   string `json:"vault_id"`

	Raw      verify.RawContext `json:"-"`
	Level    verify.Level      `json:"level"`
	Required verify.Factor     `json:"required_factors"`

	// Caller-observed behavioral context.
	AccessFrequency float64 `json:"access_frequency"`
	AccessHour      int     `json:"access_hour"`
	BusinessHours   bool    `json:"business_hours"`
	IPConsistent    bool    `json:"ip_consistent"`

	Priority         int           `json:"priority"`
	Timeout          time.Duration `json:"timeout"`
	MinimumConsensus float64       `json:"minimum_consensus"`
}

// AccessDecision is the full pipeline outcome for one request.
type AccessDecision struct {
	RequestID    string            `json:"request_id"`
	Verification verify.Result     `json:"verification"`
	Trust        trust.Evaluation  `json:"trust"`
	Consensus    consensus.Result  `json:"consensus"`
	Granted      bool              `json:"granted"`
	Token        *crypto.Token     `json:"token,omitempty"`
}

// Status is the control plane overview returned by the status endpoint.
type Status struct {
	Initialized  bool                 `json:"initialized"`
	Health       monitor.SystemHealth `json:"health"`
	Clusters     int                  `json:"clusters"`
	Coordinators []string             `json:"coordinators"`
	AgentCounts  map[string]int       `json:"agent_counts"`
	AuditEntries int                  `json:"audit_entries"`
	AuditRoot    string               `json:"audit_root"`
}

// System is the composition root.
type System struct {
	cfg *config.Config

	bus      *events.EventBus
	auditor  *audit.Writer
	breakers *circuitbreaker.CoreBreakers

	verifier *verify.Adapter
	trust    *trust.Engine
	pool     *pool.Manager
	engine   *consensus.Engine
	monitor  *monitor.Monitor
	coord    *scaling.Coordinator
	sink     *monitor.PromSink

	issuer     crypto.TokenIssuer
	sharer     crypto.SecretSharer
	storeClose func() error

	mu          sync.RWMutex
	initialized bool
	cancel      context.CancelFunc
}

// Option configures optional collaborators.
type Option func(*options)

type options struct {
	runner  verify.Runner
	issuer  crypto.TokenIssuer
	sampler monitor.SystemSampler
}

// WithRunner supplies the ZK context runner. Defaults to the stub.
func WithRunner(r verify.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithTokenIssuer attaches token minting to granted requests.
func WithTokenIssuer(i crypto.TokenIssuer) Option {
	return func(o *options) { o.issuer = i }
}

// WithSystemSampler overrides the monitor's host sampler.
func WithSystemSampler(s monitor.SystemSampler) Option {
	return func(o *options) { o.sampler = s }
}

// New builds the control plane from configuration. Nothing runs until
// Initialize.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runner == nil {
		o.runner = &verify.StubRunner{}
	}

	bus := events.NewEventBus()
	breakers := circuitbreaker.NewCoreBreakers()

	store, closeStore, err := openProfileStore(cfg.Trust)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pool.FromConfig(cfg.Pool)
	if err != nil {
		closeStore()
		return nil, err
	}
	agentPool := pool.NewManager(poolCfg, bus)
	engine := consensus.NewEngine(consensus.EngineConfigFrom(cfg.Consensus), agentPool, bus)
	agentPool.SetMembershipListener(func(ids []string) {
		if len(ids) == 0 {
			return
		}
		if err := engine.Recluster(ids); err != nil {
			slog.Error("reclustering after membership change failed", "err", err)
		}
	})

	monOpts := []monitor.Option{monitor.WithPendingSource(engine)}
	var sink *monitor.PromSink
	if cfg.Monitor.EnablePromSink {
		sink = monitor.NewPromSink()
		monOpts = append(monOpts, monitor.WithPromSink(sink))
	}
	if o.sampler != nil {
		monOpts = append(monOpts, monitor.WithSampler(o.sampler))
	}
	mon := monitor.New(cfg.Monitor, agentPool, bus, monOpts...)

	var sharer crypto.SecretSharer
	if cfg.Crypto.ShamirEndpoint != "" {
		sharer = crypto.NewShamirClient(cfg.Crypto.ShamirEndpoint, cfg.Crypto.ShamirTimeout, breakers.Shamir)
	}

	return &System{
		cfg:      cfg,
		bus:      bus,
		auditor:  audit.NewWriter(),
		breakers: breakers,
		verifier: verify.NewAdapter(o.runner, breakers.Verifier),
		trust: trust.NewEngine(store,
			trust.WithStoreBreaker(breakers.ProfileStore),
			trust.WithEmitter(bus)),
		pool:       agentPool,
		engine:     engine,
		monitor:    mon,
		coord:      scaling.NewCoordinator(cfg.Scaling, agentPool, engine, mon, bus),
		sink:       sink,
		issuer:     o.issuer,
		sharer:     sharer,
		storeClose: closeStore,
	}, nil
}

// openProfileStore selects the trust store backend from configuration.
func openProfileStore(tc config.TrustConfig) (trust.ProfileStore, func() error, error) {
	nop := func() error { return nil }
	switch tc.Store {
	case "", "file":
		s, err := trust.NewFileStore(tc.ProfileDir)
		return s, nop, err
	case "postgres":
		s, err := trust.NewPostgresStore(tc.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
		s := trust.NewRedisStore(client, tc.RedisPrefix)
		return s, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("system: unknown trust store %q", tc.Store)
	}
}

// Initialize populates the pool, builds the initial clustering and
// starts every background loop.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.auditor.Attach(loopCtx, s.bus)
	if err := s.pool.InitializePool(ctx); err != nil {
		cancel()
		return err
	}
	if err := s.engine.InitializeClustering(s.pool.AgentIDs()); err != nil {
		cancel()
		return err
	}
	s.monitor.Start(loopCtx)
	s.coord.Start(loopCtx)

	s.initialized = true
	slog.Info("control plane initialized",
		"agents", s.pool.Count(), "clusters", len(s.engine.Clusters()))
	return nil
}

// Decide runs the full access pipeline: context verification, trust
// evaluation, hierarchical consensus, optional token issuance.
func (s *System) Decide(ctx context.Context, req AccessRequest) (AccessDecision, error) {
	if !s.isInitialized() {
		return AccessDecision{}, ErrNotInitialized
	}
	if req.RequestID == "" {
		req.RequestID = "req-" + uuid.NewString()
	}
	if req.Required == 0 {
		req.Required = verify.AllFactors
	}

	ver := s.verifier.Verify(ctx, req.UserID, req.Raw, req.Level, req.Required)

	businessHours := req.BusinessHours
	ipConsistent := req.IPConsistent
	freq := req.AccessFrequency
	eval := s.trust.Evaluate(ctx, req.UserID, trust.Context{
		DeviceVerified:      ver.DeviceVerified,
		TimestampVerified:   ver.TimestampVerified,
		LocationVerified:    ver.LocationVerified,
		PatternVerified:     ver.PatternVerified,
		DeviceFingerprint:   req.Raw.DeviceFingerprint,
		Latitude:            req.Raw.Latitude,
		Longitude:           req.Raw.Longitude,
		SessionDuration:     req.Raw.SessionDuration,
		KeystrokesPerMinute: req.Raw.KeystrokesPerMin,
		AccessFrequency:     &freq,
		BusinessHours:       &businessHours,
		IPConsistent:        &ipConsistent,
	}, req.RequestID)

	payload := agent.Request{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		TrustScore: eval.OverallScore,
		Context: agent.RequestContext{
			DeviceVerified:    ver.DeviceVerified,
			TimestampVerified: ver.TimestampVerified,
			LocationVerified:  ver.LocationVerified,
			PatternVerified:   ver.PatternVerified,
			AccessFrequency:   req.AccessFrequency,
			AccessHour:        req.AccessHour,
			BusinessHours:     req.BusinessHours,
		},
	}
	if req.Raw.SessionDuration != nil {
		payload.Context.SessionDuration = *req.Raw.SessionDuration
	}
	if req.Raw.KeystrokesPerMin != nil {
		payload.Context.KeystrokesPerMinute = *req.Raw.KeystrokesPerMin
	}

	result, err := s.engine.ExecuteHierarchicalConsensus(ctx, consensus.Request{
		RequestID:        req.RequestID,
		RequestType:      "vault_access",
		Payload:          payload,
		Priority:         req.Priority,
		Timeout:          req.Timeout,
		MinimumConsensus: req.MinimumConsensus,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		return AccessDecision{}, err
	}

	decision := AccessDecision{
		RequestID:    req.RequestID,
		Verification: ver,
		Trust:        eval,
		Consensus:    result,
		Granted: result.ConsensusReached &&
			(result.FinalDecision == consensus.DecisionAllow ||
				result.FinalDecision == consensus.DecisionAllowWithMonitoring),
	}
	if decision.Granted && s.issuer != nil {
		token, err := s.issuer.Issue(req.UserID, req.RequestID)
		if err != nil {
			slog.Error("token issuance failed", "request", req.RequestID, "err", err)
		} else {
			decision.Token = &token
		}
	}
	return decision, nil
}

// Status returns the control plane overview.
func (s *System) Status() Status {
	counts := make(map[string]int)
	for t, n := range s.pool.CountByType() {
		counts[t.String()] = n
	}
	return Status{
		Initialized:  s.isInitialized(),
		Health:       s.monitor.Latest(),
		Clusters:     len(s.engine.Clusters()),
		Coordinators: s.engine.Coordinators(),
		AgentCounts:  counts,
		AuditEntries: s.auditor.Len(),
		AuditRoot:    s.auditor.Root(),
	}
}

// Health returns the latest monitor snapshot.
func (s *System) Health() monitor.SystemHealth { return s.monitor.Latest() }

// PoolState returns every agent record.
func (s *System) PoolState() []pool.Instance { return s.pool.Snapshot() }

// Clusters returns the current clustering.
func (s *System) Clusters() []consensus.Cluster { return s.engine.Clusters() }

// ManualScale applies an operator scaling request.
func (s *System) ManualScale(t agent.Type, direction string, n int) (int, error) {
	if !s.isInitialized() {
		return 0, ErrNotInitialized
	}
	return s.coord.Manual(t, direction, n)
}

// ScalingHistory returns the coordinator's bounded action ring.
func (s *System) ScalingHistory() []scaling.Action { return s.coord.History() }

// PoolScalingEvents returns the pool's bounded scaling event ring.
func (s *System) PoolScalingEvents() []pool.ScalingEvent { return s.pool.ScalingHistory() }

// PartitionHistory returns the consensus partition ring.
func (s *System) PartitionHistory() []consensus.PartitionInfo { return s.engine.PartitionHistory() }

// Bus exposes the event bus for stream subscribers.
func (s *System) Bus() *events.EventBus { return s.bus }

// Audit exposes the hash-chained audit log.
func (s *System) Audit() *audit.Writer { return s.auditor }

// PromSink returns the telemetry sink, nil when disabled.
func (s *System) PromSink() *monitor.PromSink { return s.sink }

// SecretSharer returns the vault key sharing client, nil when no
// endpoint is configured.
func (s *System) SecretSharer() crypto.SecretSharer { return s.sharer }

// Shutdown drains the pool and stops every background loop.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false

	s.coord.Stop()
	s.monitor.Stop()
	if err := s.pool.Shutdown(ctx); err != nil {
		return err
	}
	s.cancel()
	s.auditor.Stop()
	if s.storeClose != nil {
		if err := s.storeClose(); err != nil {
			slog.Warn("profile store close failed", "err", err)
		}
	}
	slog.Info("control plane shut down")
	return nil
}

func (s *System) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}
