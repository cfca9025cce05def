package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/auth"
	"github.com/driftline/mailwatch/internal/config"
	"github.com/driftline/mailwatch/internal/notify"
	"github.com/driftline/mailwatch/internal/providers/gmail"
	"github.com/driftline/mailwatch/internal/providers/outlook"
	"github.com/driftline/mailwatch/internal/push"
	"github.com/driftline/mailwatch/internal/state"
	syncpkg "github.com/driftline/mailwatch/internal/sync"
	"github.com/driftline/mailwatch/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("service failed")
	}
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.DBPath, cfg.DedupCapacity)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := notify.NewNATSSink(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer sink.Close()
	if err := sink.EnsureStream(ctx); err != nil {
		return err
	}

	authClient := auth.NewClient(cfg.AuthServiceURL)
	adapters := &adapterFactory{cfg: cfg, auth: authClient, logger: logger}

	coord := syncpkg.NewCoordinator(store, adapters.source, sink, logger)

	watchesEnabled := cfg.Google.Topic != "" || cfg.Push.NotificationURL != ""
	var watchMgr *watch.Manager
	if watchesEnabled {
		watchMgr = watch.NewManager(store, adapters.subscriber, cfg.RenewMargin, logger)
	}

	var ensurer syncpkg.WatchEnsurer
	if watchMgr != nil {
		ensurer = watchMgr
	}
	runner := syncpkg.NewRunner(store, coord, ensurer, cfg.PollInterval, logger)
	go func() {
		if err := runner.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("runner exited")
		}
	}()

	if cfg.Google.Subscription != "" {
		listener, err := push.NewListener(ctx, cfg.Google.ProjectID, cfg.Google.Subscription, cfg.Google.CredentialsFile, store, coord, logger)
		if err != nil {
			return err
		}
		defer listener.Close()
		go func() {
			if err := listener.Listen(ctx); err != nil {
				logger.Error().Err(err).Msg("pull listener exited")
			}
		}()
	}

	var verifier push.Verifier
	if cfg.Push.JWKSURL != "" {
		v, err := auth.NewPushVerifier(cfg.Push.JWKSURL, cfg.Push.Audience)
		if err != nil {
			return err
		}
		verifier = v
	}
	pushHandler := push.NewHandler(store, coord, verifier, logger)

	router := buildRouter(store, coord, watchMgr, pushHandler, logger)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// adapterFactory builds provider adapters on demand with fresh credentials,
// so a run always acts under the account's current token.
type adapterFactory struct {
	cfg    *config.Config
	auth   *auth.Client
	logger zerolog.Logger
}

func (f *adapterFactory) gmail(ctx context.Context, acct state.Account) (*gmail.Adapter, error) {
	client, err := f.auth.HTTPClient(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return gmail.New(ctx, client, gmail.Config{
		AccountID:   acct.ID,
		Address:     acct.Address,
		Topic:       f.cfg.Google.Topic,
		PageSize:    f.cfg.PageSize,
		ResyncLimit: f.cfg.ResyncLimit,
	}, f.logger)
}

func (f *adapterFactory) outlook(ctx context.Context, acct state.Account) (*outlook.Adapter, error) {
	tok, err := f.auth.Token(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return outlook.New(ctx, tok.AccessToken, outlook.Config{
		AccountID:       acct.ID,
		Address:         acct.Address,
		NotificationURL: f.cfg.Push.NotificationURL,
		PageSize:        f.cfg.PageSize,
		ResyncLimit:     f.cfg.ResyncLimit,
	}, f.logger)
}

func (f *adapterFactory) source(ctx context.Context, acct state.Account) (syncpkg.ChangeSource, error) {
	switch acct.Provider {
	case "google":
		return f.gmail(ctx, acct)
	case "microsoft":
		return f.outlook(ctx, acct)
	default:
		return nil, fmt.Errorf("unknown provider %q", acct.Provider)
	}
}

func (f *adapterFactory) subscriber(ctx context.Context, acct state.Account) (watch.Subscriber, error) {
	switch acct.Provider {
	case "google":
		return f.gmail(ctx, acct)
	case "microsoft":
		return f.outlook(ctx, acct)
	default:
		return nil, fmt.Errorf("unknown provider %q", acct.Provider)
	}
}

type registerRequest struct {
	ID       string `json:"id" binding:"required"`
	Address  string `json:"address" binding:"required"`
	Provider string `json:"provider"`
}

func buildRouter(store *state.Store, coord *syncpkg.Coordinator, watchMgr *watch.Manager, pushHandler *push.Handler, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/pubsub/push", pushHandler.Handle)

	r.POST("/accounts", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := store.RegisterAccount(c.Request.Context(), req.ID, req.Address, req.Provider); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusCreated)
	})

	r.POST("/accounts/:id/sync", func(c *gin.Context) {
		id := c.Param("id")
		go func() {
			if err := coord.Run(context.Background(), id, 0); err != nil {
				logger.Warn().Err(err).Str("account", id).Msg("manual sync failed")
			}
		}()
		c.Status(http.StatusAccepted)
	})

	r.POST("/accounts/:id/watch", func(c *gin.Context) {
		if watchMgr == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watch notifications not configured"})
			return
		}
		active, expiry, err := watchMgr.Ensure(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": active, "expiry": expiry})
	})

	r.DELETE("/accounts/:id/watch", func(c *gin.Context) {
		if watchMgr == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watch notifications not configured"})
			return
		}
		if err := watchMgr.Stop(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
