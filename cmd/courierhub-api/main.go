// README: Entry point; loads config, wires services, starts HTTP server, fan-out bridge and background jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courierhub/internal/config"
	httptransport "courierhub/internal/http"
	"courierhub/internal/infra"
	"courierhub/internal/jobs"
	"courierhub/internal/maps"
	"courierhub/internal/metrics"
	"courierhub/internal/modules/chat"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/dispatch"
	"courierhub/internal/modules/location"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/modules/payment"
	"courierhub/internal/modules/ratelimit"
	"courierhub/internal/modules/restaurant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("courierhub exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.Register()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	gormDB, err := infra.NewGorm(cfg.DB.DSN)
	if err != nil {
		return err
	}

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	auth, err := firebaseOrJWT(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	// Notification fan-out. With a broker every instance's hub is fed through the bridge.
	hub := notify.NewHub(0, logger)
	fanout := notify.NewFanout(logger)
	var bridge *notify.AMQPBridge
	if cfg.AMQP.URL != "" {
		dial := func() (*amqp.Connection, error) { return infra.NewAMQP(cfg.AMQP.URL) }
		bridge, err = notify.NewAMQPBridge(dial, cfg.AMQP.Exchange, hub, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		fanout.Add("amqp", bridge)
	} else {
		fanout.Add("hub", hub)
	}
	inbox := notify.NewInbox(dbPool)
	fanout.Add("inbox", inbox)
	if auth.pusher != nil {
		fanout.Add("fcm", auth.pusher)
	}

	var gateway payment.Processor
	if cfg.Payment.GatewayURL != "" {
		gateway = payment.NewGatewayClient(cfg.Payment.GatewayURL, cfg.Payment.APIKey)
	}
	var geocoder order.Geocoder
	if cfg.Maps.APIKey != "" {
		g, err := maps.NewGeocoder(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			return err
		}
		geocoder = g
	}

	orderSvc := order.NewService(order.Deps{
		Store:             order.NewStore(dbPool),
		Payments:          payment.NewRouter(gateway),
		Restaurants:       restaurant.NewStore(dbPool),
		Geocoder:          geocoder,
		Logger:            logger,
		Currency:          cfg.Order.Currency,
		CourierFeePercent: cfg.Order.CourierFeePercent,
	})
	courierSvc := courier.NewService(courier.NewStore(redisClient), cfg.Courier.MaxAccuracyM, logger)
	if auth.mirror != nil {
		courierSvc.WithMirror(auth.mirror)
	}

	book := dispatch.NewRedisOfferBook(redisClient)
	engine := dispatch.NewEngine(dispatch.EngineDeps{
		Orders:    orderSvc,
		Pool:      courierSvc,
		Book:      book,
		Publisher: fanout,
		Config:    dispatch.ConfigFrom(cfg.Dispatch),
		Logger:    logger,
	})
	defer engine.Stop()
	arbiter := dispatch.NewArbiter(dispatch.ArbiterDeps{
		Orders:    orderSvc,
		Book:      book,
		Publisher: fanout,
		Couriers:  courierSvc,
		Engine:    engine,
		Logger:    logger,
	})
	chatSvc := chat.NewService(chat.NewGormStore(gormDB), fanout, logger)

	orderSvc.AddListener(engine)
	orderSvc.AddListener(courierSvc)
	orderSvc.AddListener(notify.NewOrderNotifier(fanout))
	orderSvc.AddListener(chatSvc)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Shared {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	jobManager := jobs.NewJobManager(engine, courierSvc, jobs.Schedule{
		Sweep:      cfg.Dispatch.SweepSpec,
		Stale:      cfg.Courier.StaleSpec,
		StaleAfter: cfg.Courier.StaleAfter,
	}, logger)
	if err := jobManager.StartAll(); err != nil {
		return err
	}
	defer jobManager.StopAll()

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier: auth.verifier,
		Orders:   orderSvc,
		Arbiter:  arbiter,
		Engine:   engine,
		Couriers: courierSvc,
		Chats:    chatSvc,
		Hub:      hub,
		Inbox:    inbox,
		Devices:  notify.NewRedisDevices(redisClient),
		Limiter:  limiter,
		Logger:   logger,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)
	server.OnShutdown(hub.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}
	return g.Wait()
}

type authStack struct {
	verifier infra.TokenVerifier
	pusher   *notify.FCMPusher
	mirror   *location.RTDBMirror
}

// firebaseOrJWT picks the token verifier. A Firebase project also enables push delivery,
// and a database URL enables the live courier map.
func firebaseOrJWT(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (authStack, error) {
	if cfg.Firebase.ProjectID == "" {
		if cfg.Auth.JWTSecret == "" {
			return authStack{}, errors.New("COURIERHUB_FIREBASE_PROJECT_ID or COURIERHUB_JWT_SECRET is required")
		}
		return authStack{verifier: infra.NewJWTVerifier(cfg.Auth.JWTSecret)}, nil
	}

	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return authStack{}, err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return authStack{}, err
	}
	client, err := infra.NewMessaging(ctx, app)
	if err != nil {
		return authStack{}, err
	}
	stack := authStack{
		verifier: verifier,
		pusher:   notify.NewFCMPusher(client, notify.NewRedisDevices(rdb), logger),
	}
	if cfg.Firebase.DatabaseURL != "" {
		rtdb, err := infra.NewRTDB(ctx, app)
		if err != nil {
			return authStack{}, err
		}
		stack.mirror = location.NewRTDBMirror(location.NewDBWriter(rtdb), "", logger)
	}
	return stack, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
