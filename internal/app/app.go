package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"tranche-ledger/internal/alerting"
	"tranche-ledger/internal/api"
	"tranche-ledger/internal/config"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/keeper"
	"tranche-ledger/internal/liquidity"
	"tranche-ledger/internal/metrics"
	"tranche-ledger/internal/pricefeed"
	"tranche-ledger/internal/scheduler"
	"tranche-ledger/internal/storage"
	"tranche-ledger/internal/telemetry"
	"tranche-ledger/internal/tranche"
	"tranche-ledger/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newPriceSource builds the primary feed, optionally cross-checked against a
// CoW quote. The returned closer releases the RPC client.
func (a *App) newPriceSource() (pricefeed.Source, func(), error) {
	var (
		primary pricefeed.Source
		closer  = func() {}
	)
	switch a.Config.Pricing.Source {
	case "static":
		price, err := decimal.NewFromString(a.Config.Pricing.StaticPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("pricing.static_price: %w", err)
		}
		primary = pricefeed.Static{Price: price}
	default:
		vault := pricefeed.NewVaultRate(pricefeed.VaultOptions{
			RPCURL:        a.Config.Ethereum.RPCURL,
			VaultAddress:  a.Config.Ethereum.VaultAddress,
			AssetDecimals: a.Config.Ethereum.AssetDecimals,
			Timeout:       a.Config.Ethereum.RequestTimeout,
		}, a.Logger)
		primary = vault
		closer = vault.Close
	}

	var reference pricefeed.Source
	if a.Config.Cow.Enabled {
		reference = pricefeed.NewMarketQuote(pricefeed.MarketOptions{
			BaseURL:      a.Config.Cow.BaseURL,
			PriceQuality: a.Config.Cow.PriceQuality,
			Notional:     decimal.NewFromFloat(a.Config.Cow.Notional),
			Timeout:      a.Config.Cow.RequestTimeout,
			UserAgent:    a.Config.Cow.UserAgent,
			SellToken:    a.Config.Cow.SellToken,
			BuyToken:     a.Config.Cow.BuyToken,
		}, a.Logger)
	}

	guard := pricefeed.NewGuard(primary, reference, decimal.NewFromFloat(a.Config.Pricing.MaxDeviationPct), a.Logger)
	return guard, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newBook sizes a position book that stands in for a tranche's collaborator.
func (a *App) newBook(price *uint256.Int, funded bool) (*liquidity.Book, error) {
	lc := a.Config.Liquidity
	opts := []liquidity.Option{liquidity.WithLogger(a.Logger)}
	if lc.MaxPerCall != "" && lc.MaxPerCall != "0" {
		limit, err := fixedpoint.Parse(lc.MaxPerCall)
		if err != nil {
			return nil, fmt.Errorf("liquidity.max_per_call: %w", err)
		}
		opts = append(opts, liquidity.WithMaxPerCall(limit))
	}
	if lc.ConversionLoss != "" && lc.ConversionLoss != "0" {
		loss, err := fixedpoint.Parse(lc.ConversionLoss)
		if err != nil {
			return nil, fmt.Errorf("liquidity.conversion_loss: %w", err)
		}
		opts = append(opts, liquidity.WithConversionLoss(loss))
	}

	book := liquidity.NewBook(price, opts...)
	if funded && lc.InitialIdle != "" && lc.InitialIdle != "0" {
		idle, err := fixedpoint.Parse(lc.InitialIdle)
		if err != nil {
			return nil, fmt.Errorf("liquidity.initial_idle: %w", err)
		}
		book.Fund(idle)
	}
	return book, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// loadLedger restores the latest checkpoint, or starts empty when there is
// none or no database.
func (a *App) loadLedger(ctx context.Context, store *storage.Store, opts ...tranche.Option) (*tranche.Tranches, error) {
	cfg, err := a.Config.Ledger.TrancheConfig()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return tranche.New(cfg, opts...)
	}

	cp, err := store.LatestCheckpoint(ctx)
	if errors.Is(err, storage.ErrNoCheckpoint) {
		a.Logger.Info().Msg("no checkpoint found; starting with empty tranches")
		return tranche.New(cfg, opts...)
	}
	if err != nil {
		return nil, err
	}

	var st tranche.State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
	}
	a.Logger.Info().Uint64("epoch", st.Epoch).Time("saved_at", cp.CreatedAt).Msg("restoring tranches from checkpoint")
	return tranche.Restore(cfg, st, opts...)
}

func (a *App) keeperOptions() keeper.Options {
	return keeper.Options{
		LockKey:            a.Config.Scheduler.AdvisoryLockKey,
		RemarkFromPosition: a.Config.Keeper.RemarkFromPosition,
		SpilloverAlertPct:  decimal.NewFromFloat(a.Config.Keeper.SpilloverAlertPct),
		CheckpointEvery:    a.Config.Keeper.CheckpointEvery,
		CheckpointsKept:    a.Config.Keeper.CheckpointsKept,
		AlertsOn:           a.Config.Alerting.Enabled,
		AlertCooldown:      a.Config.Alerting.Cooldown,
		AlertRetention:     a.Config.Alerting.Retention,
		Channels:           a.Config.Alerting.Channels,
	}
}

func stores(store *storage.Store) keeper.Stores {
	if store == nil {
		return keeper.Stores{}
	}
	return keeper.Stores{Rebases: store, Alerts: store, Checkpoints: store, Locker: store}
}

func (a *App) apiConfig() api.Config {
	c := a.Config.API
	return api.Config{
		Listen:       c.Listen,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		JWTSecret:    c.JWTSecret,
		JWTIssuer:    c.JWTIssuer,
		Insecure:     c.Insecure,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

// Run executes the keeper loop and the API until a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: a.Config.App.Name,
			Environment: a.Config.App.Environment,
			Version:     version.Version,
			Endpoint:    a.Config.Telemetry.Endpoint,
			Insecure:    a.Config.Telemetry.Insecure,
			SampleRatio: a.Config.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				a.Logger.Warn().Err(err).Msg("telemetry shutdown failed")
			}
		}()
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		defer closeStore()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	books, err := a.newBooks()
	if err != nil {
		return err
	}
	ledger, err := a.loadLedger(ctx, store, append(books.options(),
		tranche.WithLogger(a.Logger),
		tranche.WithMetrics(metrics.Ledger()),
		tranche.WithTracer(otel.Tracer("tranche-ledger/tranche")),
	)...)
	if err != nil {
		return err
	}

	feed, closePrices, err := a.newPriceSource()
	if err != nil {
		return err
	}
	defer closePrices()
	prices := markedSource{src: feed, books: books}
	if err := a.seedBooks(ctx, books, ledger, feed); err != nil {
		a.Logger.Warn().Err(err).Msg("could not seed position books; re-mark will fail until they hold the tranche values")
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Cron:         a.Config.Scheduler.Cron,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	k := keeper.New(ledger, prices, stores(store), a.newNotifier(), a.keeperOptions(), a.Logger)
	srv := api.New(a.apiConfig(), ledger, a.Logger, api.WithCycler(k), api.WithMutationHook(k.Checkpoint))

	a.Logger.Info().Str("version", version.Version).Msg("starting tranche ledger")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(gctx, sched) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	if store != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := k.Checkpoint(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("final checkpoint failed")
		}
	}
	a.Logger.Info().Msg("tranche ledger stopped")
	return nil
}

// ExportOptions hold parameters for exporting rebase history.
type ExportOptions struct {
	From          *time.Time
	To            *time.Time
	PNGPath       string
	CSVPath       string
	MaxPoints     int
	CommittedOnly bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
	Status bool
}

// SimulateOptions configure a what-if rebase. Price is the position unit
// price at rebase time; deposits enter at a price of one.
type SimulateOptions struct {
	Price   decimal.Decimal
	Elapsed time.Duration
	Senior  decimal.Decimal
	Junior  decimal.Decimal
	Reserve decimal.Decimal
	Notify  bool
}

// TokenOptions configure API token issuance.
type TokenOptions struct {
	Subject string
	Admin   bool
	TTL     time.Duration
}
