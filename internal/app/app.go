package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"trade-executor/internal/aggregator"
	"trade-executor/internal/alerting"
	"trade-executor/internal/api"
	"trade-executor/internal/chain"
	"trade-executor/internal/config"
	"trade-executor/internal/engine"
	"trade-executor/internal/guard"
	"trade-executor/internal/jobs"
	"trade-executor/internal/logging"
	"trade-executor/internal/metrics"
	"trade-executor/internal/permit"
	"trade-executor/internal/scheduler"
	"trade-executor/internal/storage"
	"trade-executor/internal/storage/memory"
	"trade-executor/internal/vault"
	"trade-executor/internal/version"
	"trade-executor/internal/worker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
	// In supplies secrets read by wallet import; defaults to stdin.
	In io.Reader

	openRepo func(ctx context.Context) (storage.Repository, error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logging.Component(logger, "app"),
		Out:    os.Stdout,
		In:     os.Stdin,
	}
}

// runtime is the fully wired execution stack of one process.
type runtime struct {
	repo    storage.Repository
	chain   *chain.Client
	engine  *engine.Engine
	runner  *jobs.Runner
	metrics *metrics.Metrics
}

func (r *runtime) Close() {
	if r.chain != nil {
		r.chain.Close()
	}
	if r.repo != nil {
		r.repo.Close()
	}
}

func (a *App) openRepository(ctx context.Context) (storage.Repository, error) {
	if a.openRepo != nil {
		return a.openRepo(ctx)
	}
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-process storage, nothing survives a restart")
		return memory.New(), nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.Nop{}
	}

	var sinks []alerting.Notifier
	for _, channel := range cfg.Channels {
		switch channel {
		case alerting.ChannelLog:
			sinks = append(sinks, alerting.NewLogNotifier(a.Logger))
		case alerting.ChannelTelegram:
			if !cfg.Telegram.Enabled {
				continue
			}
			tg := cfg.Telegram
			sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
		}
	}
	if len(sinks) == 0 {
		return alerting.Nop{}
	}
	return alerting.NewDedup(alerting.NewFanout(sinks...), cfg.DedupWindow, time.Now)
}

func (a *App) newMetrics() *metrics.Metrics {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	return metrics.New(a.Config.Metrics.Namespace)
}

func (a *App) newChain() *chain.Client {
	return chain.NewClient(chain.Options{
		RPCURL:          a.Config.ResolveRPCURL(),
		ChainID:         a.Config.Chain.ID,
		Timeout:         a.Config.Chain.RequestTimeout,
		SimulateTimeout: a.Config.Chain.SimulateTimeout,
		GasBufferPct:    a.Config.Chain.GasBufferPct,
	}, a.Logger)
}

func (a *App) newAggregator(m *metrics.Metrics) (*aggregator.Client, error) {
	strategies := make([]aggregator.Strategy, 0, len(a.Config.Aggregator.Strategies))
	for _, name := range a.Config.Aggregator.Strategies {
		strategy, err := aggregator.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}

	client := aggregator.NewClient(aggregator.Options{
		BaseURL:       a.Config.Aggregator.BaseURL,
		APIKey:        a.Config.Aggregator.APIKey,
		APIVersion:    a.Config.Aggregator.APIVersion,
		Strategies:    strategies,
		Timeout:       a.Config.Aggregator.Timeout,
		RatePerSecond: a.Config.Aggregator.RatePerSecond,
		Burst:         a.Config.Aggregator.Burst,
		UserAgent:     a.Config.Aggregator.UserAgent,
	}, a.Logger)
	client.SetObserver(func(s aggregator.Strategy, outcome string, elapsed time.Duration) {
		m.ObserveQuote(string(s), outcome, elapsed)
	})
	return client, nil
}

func (a *App) newVault() (*vault.Vault, error) {
	keks := a.Config.VaultKEKs()
	v := vault.New(keks, a.Config.Vault.CurrentVersion)
	if len(keks) == 0 {
		a.Logger.Warn().Msg("no vault KEK configured; signing will fail until one is set")
		return v, nil
	}
	if err := v.Preload(); err != nil {
		return nil, err
	}
	return v, nil
}

func (a *App) capabilities() engine.Capabilities {
	caps := a.Config.Engine.Capabilities
	return engine.Capabilities{
		AutoWrap:           caps.AutoWrap,
		AutoPermit:         caps.AutoPermit,
		SystemOperator:     caps.SystemOperator,
		RiskReducingBypass: caps.RiskReducingBypass,
	}
}

// buildRuntime wires every engine dependency. The caller must Close it.
func (a *App) buildRuntime(ctx context.Context) (*runtime, error) {
	limits, err := guard.LimitsFromConfig(a.Config)
	if err != nil {
		return nil, err
	}
	keys, err := a.newVault()
	if err != nil {
		return nil, err
	}

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{repo: repo, metrics: a.newMetrics(), chain: a.newChain()}

	quoter, err := a.newAggregator(rt.metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}

	spenders := make([]common.Address, 0, len(a.Config.Contracts.Spenders))
	for _, spender := range a.Config.Contracts.Spenders {
		spenders = append(spenders, common.HexToAddress(spender))
	}
	permits := permit.NewManager(permit.Options{
		ChainID:  a.Config.Chain.ID,
		Permit2:  common.HexToAddress(a.Config.Contracts.Permit2),
		Spenders: spenders,
	}, rt.chain, a.Logger)

	var wrapped common.Address
	if a.Config.Contracts.WrappedNative != "" {
		wrapped = common.HexToAddress(a.Config.Contracts.WrappedNative)
	}

	encoding, err := permit.ParseEncoding(a.Config.Engine.PermitEncoding)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine = engine.New(engine.Options{
		ChainID:          a.Config.Chain.ID,
		Limits:           limits,
		Capabilities:     a.capabilities(),
		WrappedNative:    wrapped,
		ReceiptAttempts:  a.Config.Chain.ReceiptAttempts,
		ReceiptInterval:  a.Config.Chain.ReceiptInterval,
		AutoTripFailures: a.Config.Safety.AutoTripFailures,
		PermitEncoding:   encoding,
	}, engine.Deps{
		Store:       repo,
		Locker:      jobs.NewLocker(repo, a.Config.Engine.LockTTL, a.Logger),
		Breakers:    guard.NewBreakers(repo, a.Logger),
		Cooldowns:   guard.NewCooldowns(repo, limits),
		Quoter:      quoter,
		Chain:       rt.chain,
		Broadcaster: engine.NewGatedBroadcaster(rt.chain, a.Config.Engine.DryRun, rt.metrics, a.Logger),
		Permits:     permits,
		Vault:       keys,
		Notifier:    a.newNotifier(),
		Metrics:     rt.metrics,
	}, a.Logger)

	queue := jobs.NewQueue(repo, a.Config.Jobs.StaleAfter, a.Logger)
	rt.runner = jobs.NewRunner(queue, worker.Instrument(rt.engine, rt.metrics), a.Logger)

	if a.Config.Engine.DryRun {
		a.Logger.Warn().Msg("dry-run active: transactions are built and simulated but never broadcast")
	}
	return rt, nil
}

func (a *App) newWorker(rt *runtime) *worker.Worker {
	sched := scheduler.New(scheduler.Options{
		Name:           "jobs",
		Interval:       a.Config.Jobs.PollInterval,
		StartupDelay:   a.Config.Jobs.StartupDelay,
		RunImmediately: true,
		TickTimeout:    a.Config.Jobs.StaleAfter,
	}, a.Logger)
	return worker.New(worker.Options{
		BatchSize:       a.Config.Jobs.BatchSize,
		ReconcileEvery:  a.Config.Jobs.ReconcileEvery,
		AdvisoryLockKey: a.Config.Jobs.AdvisoryLockKey,
	}, sched, rt.runner, rt.engine, rt.repo, rt.repo, rt.metrics, a.Logger)
}

// ServeOptions configure the serve command.
type ServeOptions struct {
	Listen string
	// WithWorker runs the job worker in the same process.
	WithWorker bool
}

// Serve runs the HTTP surface until interrupted.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	listen := opts.Listen
	if listen == "" {
		listen = a.Config.Server.Listen
	}
	server := api.NewServer(api.Options{
		JWTSecret:      a.Config.Server.JWTSecret,
		RatePerSecond:  a.Config.Server.RatePerSecond,
		Burst:          a.Config.Server.Burst,
		RequestTimeout: a.Config.Server.RequestTimeout,
		Version:        version.Version,
	}, rt.engine, rt.runner, rt.metrics, a.Logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if opts.WithWorker {
		w := a.newWorker(rt)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- w.Run(runCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- server.Run(runCtx, listen)
	}()

	err = <-errCh
	stop()
	wg.Wait()
	close(errCh)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// RunWorker runs the background job worker until interrupted.
func (a *App) RunWorker(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	a.Logger.Info().Dur("interval", a.Config.Jobs.PollInterval).Msg("starting job worker")
	err = a.newWorker(rt).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("worker terminated with error")
		return err
	}

	a.Logger.Info().Msg("job worker stopped")
	return nil
}

// Migrate applies the embedded schema to the configured database.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	a.Logger.Info().Int("files", len(applied)).Msg("migrations applied")
	return nil
}
