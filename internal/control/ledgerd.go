package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/canonlabs/ledgerd/internal/alert"
	"github.com/canonlabs/ledgerd/internal/canonical"
	"github.com/canonlabs/ledgerd/internal/core/config"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/decode"
	"github.com/canonlabs/ledgerd/internal/health"
	"github.com/canonlabs/ledgerd/internal/infra/chain/evm"
	redisclient "github.com/canonlabs/ledgerd/internal/infra/redis"
	"github.com/canonlabs/ledgerd/internal/infra/rpc"
	"github.com/canonlabs/ledgerd/internal/infra/storage/postgres"
	"github.com/canonlabs/ledgerd/internal/ingest"
	"github.com/canonlabs/ledgerd/internal/registry"
	"github.com/canonlabs/ledgerd/internal/reorg"
)

// chainRuntime holds the per-chain moving parts.
type chainRuntime struct {
	pipeline *ingest.Pipeline
	manager  *reorg.Manager
}

// Ledgerd is the assembled service.
type Ledgerd struct {
	cfg   Config
	repos *Repositories
	db    *postgres.DB
	redis *redisclient.Client

	registry *registry.Registry
	flags    *canonical.Manager
	chains   map[domain.ChainID]*chainRuntime

	healthServer *health.Server
	log          *slog.Logger
}

// New wires the service from configuration. Nothing is started yet.
func New(ctx context.Context, cfg Config) (*Ledgerd, error) {
	log := slog.With("component", "control")

	repos, db, err := newRepositories(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if db != nil {
		log.Info("storage ready", "backend", "postgres")
	} else {
		log.Warn("no database configured, using in-memory storage")
	}

	reg := registry.New(repos.ABIs)
	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load abi registry: %w", err)
	}

	flags := canonical.NewManager()
	flags.RegisterStore(domain.RecordTypeBlock, repos.Blocks)
	flags.RegisterStore(domain.RecordTypeTransfer, repos.Transfers)
	flags.RegisterStore(domain.RecordTypeApproval, repos.Approvals)
	flags.RegisterStore(domain.RecordTypeGenericEvent, repos.Generics)
	flags.RegisterStore(domain.RecordTypeRawEvent, repos.Raws)

	var (
		redisClient *redisclient.Client
		retryQueue  *redisclient.RetryQueue
	)
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		retryQueue = redisclient.NewRetryQueue(redisClient)
	} else {
		log.Warn("no redis configured, exhausted recovery fetches will not be parked")
	}

	notifier := alert.NewLogNotifier()
	chains := make(map[domain.ChainID]*chainRuntime, len(cfg.Chains))
	healthChains := make(map[domain.ChainID]health.ChainSources, len(cfg.Chains))

	for _, c := range cfg.Chains {
		if _, dup := chains[c.ChainID]; dup {
			return nil, fmt.Errorf("chain %s configured twice", c.ChainID)
		}

		if err := registerConfigABIs(ctx, reg, c); err != nil {
			return nil, err
		}

		rpcClient, err := rpc.NewClient(c.RPCURLs, c.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", c.ChainID, err)
		}
		client := evm.NewClient(c.ChainID, rpcClient)

		// One gate per chain: ingest and reorg handling never interleave.
		gate := &sync.Mutex{}

		decoder := decode.NewDecoder(reg, c.Concurrency)
		normalizer := decode.NewNormalizer(c.IngestVersion)
		pipeline := ingest.NewPipeline(
			c.ChainID,
			ingest.Config{
				PollInterval: c.PollInterval,
				BatchBlocks:  c.BatchBlocks,
				StartBlock:   c.StartBlock,
			},
			client,
			decoder,
			normalizer,
			ingest.Stores{
				Blocks:    repos.Blocks,
				Transfers: repos.Transfers,
				Approvals: repos.Approvals,
				Generics:  repos.Generics,
				Raws:      repos.Raws,
			},
			gate,
			c.IngestVersion,
		)

		detector := reorg.NewDetector(c.ChainID, reorg.Config{MaxDepth: c.MaxReorgDepth}, client, repos.Blocks)
		rollback := reorg.NewRollback(flags)

		backoff := reorg.DefaultBackoff()
		if c.FetchAttempts > 0 {
			backoff.MaxAttempts = c.FetchAttempts
		}
		var recoveryRetryQ reorg.RetryQueue
		if retryQueue != nil {
			recoveryRetryQ = retryQueue
		}
		recovery := reorg.NewRecovery(
			c.ChainID,
			reorg.RecoveryConfig{FetchTimeout: c.FetchTimeout, Backoff: backoff},
			client,
			repos.Blocks,
			flags,
			pipeline,
			recoveryRetryQ,
		)

		manager := reorg.NewManager(
			c.ChainID,
			reorg.ManagerConfig{PollInterval: c.PollInterval},
			client,
			detector,
			rollback,
			recovery,
			repos.Reorgs,
			notifier,
			gate,
		)

		chains[c.ChainID] = &chainRuntime{pipeline: pipeline, manager: manager}

		name := c.Name
		if name == "" {
			name = domain.ChainName(c.ChainID)
		}
		log.Info("chain wired",
			"chain", c.ChainID,
			"name", name,
			"endpoints", len(c.RPCURLs),
			"max_reorg_depth", c.MaxReorgDepth,
		)

		sources := health.ChainSources{
			State:  manager,
			Head:   client,
			Blocks: repos.Blocks,
		}
		if retryQueue != nil {
			sources.Retry = retryQueue
		}
		healthChains[c.ChainID] = sources
	}

	l := &Ledgerd{
		cfg:      cfg,
		repos:    repos,
		db:       db,
		redis:    redisClient,
		registry: reg,
		flags:    flags,
		chains:   chains,
		log:      log,
	}

	monitor := health.NewMonitor(healthChains)
	l.healthServer = health.NewServer(monitor, cfg.Port)
	l.healthServer.Handle("/admin/reorg/status", http.HandlerFunc(l.handleReorgStatus))
	l.healthServer.Handle("/admin/reorg/ack", http.HandlerFunc(l.handleReorgAck))

	return l, nil
}

// registerConfigABIs registers the ABIs a chain's config declares, skipping
// versions the registry already holds from the database.
func registerConfigABIs(ctx context.Context, reg *registry.Registry, c config.ChainConfig) error {
	for _, a := range c.ABIs {
		exists := false
		for _, v := range reg.Versions(c.ChainID, a.Address) {
			if v.Version == a.Version {
				exists = true
				break
			}
		}
		if exists {
			continue
		}

		data, err := os.ReadFile(a.File)
		if err != nil {
			return fmt.Errorf("chain %s: failed to read abi file %s: %w", c.ChainID, a.File, err)
		}
		if err := reg.Register(ctx, c.ChainID, a.Address, string(data), a.Version, a.StartBlock, a.EndBlock); err != nil {
			return fmt.Errorf("chain %s: failed to register abi %s v%d: %w", c.ChainID, a.Address, a.Version, err)
		}
	}
	return nil
}

// Repositories exposes the wired stores for inspection.
func (l *Ledgerd) Repositories() *Repositories {
	return l.repos
}

// Manager returns the reorg manager for a chain.
func (l *Ledgerd) Manager(chainID domain.ChainID) (*reorg.Manager, bool) {
	rt, ok := l.chains[chainID]
	if !ok {
		return nil, false
	}
	return rt.manager, true
}

// Start launches every chain's pipeline and reorg manager plus the health
// server. It returns immediately; the components run until Stop.
func (l *Ledgerd) Start(ctx context.Context) error {
	if l.db != nil {
		l.db.StartMetricsCollector(ctx)
	}

	for chainID, rt := range l.chains {
		go func(chainID domain.ChainID, rt *chainRuntime) {
			if err := rt.pipeline.Run(ctx); err != nil {
				l.log.Error("ingest pipeline exited", "chain", chainID, "error", err)
			}
		}(chainID, rt)
		go func(chainID domain.ChainID, rt *chainRuntime) {
			if err := rt.manager.Run(ctx); err != nil {
				l.log.Error("reorg manager exited", "chain", chainID, "error", err)
			}
		}(chainID, rt)
	}

	go func() {
		if err := l.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("health server exited", "error", err)
		}
	}()

	l.log.Info("ledgerd started", "chains", len(l.chains), "port", l.cfg.Port)
	return nil
}

// Stop shuts everything down: chain components first, then the stores and
// the health server.
func (l *Ledgerd) Stop(ctx context.Context) error {
	for _, rt := range l.chains {
		rt.pipeline.Stop()
		rt.manager.Stop()
	}

	var errs []error
	if l.redis != nil {
		if err := l.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("db close: %w", err))
		}
	}
	if err := l.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server stop: %w", err))
	}

	l.log.Info("ledgerd stopped")
	return errors.Join(errs...)
}

type reorgStatus struct {
	State     reorg.State `json:"state"`
	LastError string      `json:"last_error,omitempty"`
}

func (l *Ledgerd) handleReorgStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[domain.ChainID]reorgStatus, len(l.chains))
	for chainID, rt := range l.chains {
		st := reorgStatus{State: rt.manager.State()}
		if err := rt.manager.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out[chainID] = st
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleReorgAck acknowledges a halted chain so its manager re-enters the
// poll loop. POST /admin/reorg/ack?chain=<id>
func (l *Ledgerd) handleReorgAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chainID := domain.ChainID(r.URL.Query().Get("chain"))
	rt, ok := l.chains[chainID]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown chain %q", chainID), http.StatusNotFound)
		return
	}
	if err := rt.manager.Ack(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	l.log.Info("reorg halt acknowledged", "chain", chainID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"state": string(rt.manager.State())})
}
