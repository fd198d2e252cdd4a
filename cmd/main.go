package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"support-chat-ws/internal/backplane"
	"support-chat-ws/internal/config"
	"support-chat-ws/internal/delivery"
	"support-chat-ws/internal/domain"
	"support-chat-ws/internal/identity"
	"support-chat-ws/internal/infrastructure/kafka"
	"support-chat-ws/internal/infrastructure/memory"
	"support-chat-ws/internal/infrastructure/nats"
	"support-chat-ws/internal/infrastructure/postgres"
	"support-chat-ws/internal/infrastructure/redis"
	"support-chat-ws/internal/lifecycle"
	"support-chat-ws/internal/logger"
	"support-chat-ws/internal/metrics"
	"support-chat-ws/internal/registry"
	"support-chat-ws/internal/router"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const serviceName = "support-chat-ws"

// store is what the process needs from a session store driver.
type store interface {
	domain.SessionStore
	domain.CustomerStore
}

type closer func() error

func main() {
	// Recovery global untuk mencegah crash aplikasi
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	log := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Service:    serviceName,
		InstanceID: cfg.InstanceID,
	})

	log.WithFields(logrus.Fields{
		"environment":  cfg.Environment,
		"port":         cfg.Port,
		"backplane":    cfg.BackplaneDriver,
		"store":        cfg.StoreDriver,
		"cors_origins": cfg.GetCORSOrigins(),
	}).Info("Starting support chat server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []closer

	sessions, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open session store")
	}
	closers = append(closers, closeStore)

	transport, presence, closeTransport, err := openBackplane(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open backplane")
	}
	closers = append(closers, closeTransport)

	m := metrics.New()
	reg := registry.New()

	client := backplane.NewClient(transport, backplane.Config{
		InstanceID:     cfg.InstanceID,
		PublishTimeout: cfg.PublishTimeout,
		RetryMax:       cfg.BackplaneRetryMax,
	}, log, m)

	r := router.New(sessions, reg, client, log, m)
	lm := lifecycle.NewManager(sessions, r, reg, log)
	idp := identity.NewProvider(identity.Options{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.JWTTTL,
	}, sessions, sessions)

	server := delivery.NewServer(cfg, delivery.Dependencies{
		Store:       sessions,
		Identity:    idp,
		Registry:    reg,
		Router:      r,
		Lifecycle:   lm,
		Presence:    presence,
		PresenceTTL: cfg.PresenceTTL,
		Backplane:   client,
		Metrics:     m,
		Log:         log,
	})

	// Start backplane delivery loop in background
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("Backplane goroutine recovered from panic: %v", rec)
			}
		}()
		client.Run(ctx, func(env domain.RoutingEnvelope) { r.DeliverLocal(env) })
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutting down...")
	case err := <-serverErr:
		log.WithError(err).Error("Server stopped unexpectedly")
	}

	cancel()
	if err := shutdown(server, client, closers); err != nil {
		log.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func shutdown(server *delivery.Server, client *backplane.Client, closers []closer) error {
	var result error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}
	if err := client.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("backplane: %w", err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store, closer, error) {
	seeds, err := cfg.Seeds()
	if err != nil {
		return nil, nil, err
	}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		for _, seed := range seeds {
			if err := pg.AddEmployee(ctx, seed.EmployeeID, seed.ShopID); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, func() error { pg.Close(); return nil }, nil

	default:
		log.Warn("Using in-memory session store, data is lost on restart")
		mem := memory.NewStore()
		for _, seed := range seeds {
			mem.AddEmployee(seed.EmployeeID, seed.ShopID)
		}
		return mem, func() error { return nil }, nil
	}
}

func openBackplane(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (backplane.Transport, domain.Presence, closer, error) {
	switch cfg.BackplaneDriver {
	case config.BackplaneRedis:
		rc := redis.NewRedisClient(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			log.WithError(err).Warn("Redis connection failed, backplane will retry")
		} else {
			log.Info("Redis connection successful")
		}
		return redis.NewPubSub(rc, 0), redis.NewPresence(rc, cfg.InstanceID, cfg.PresenceTTL), rc.Close, nil

	case config.BackplaneKafka:
		if cfg.InstanceIDGenerated {
			log.WithField("instance_id", cfg.InstanceID).
				Warn("INSTANCE_ID is not set, this run gets a new kafka consumer group that outlives it")
		}
		t := kafka.NewTransport(kafka.Config{
			Brokers:     cfg.KafkaBrokers,
			GroupPrefix: cfg.KafkaGroupPrefix,
			TopicPrefix: cfg.KafkaTopicPrefix,
			InstanceID:  cfg.InstanceID,
		}, log)
		return t, memory.NewPresenceWithTTL(cfg.InstanceID, cfg.PresenceTTL), func() error { return nil }, nil

	case config.BackplaneNATS:
		t, err := nats.NewTransport(nats.Config{
			Servers:       cfg.NATSServers,
			Name:          cfg.NATSName,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return t, memory.NewPresenceWithTTL(cfg.InstanceID, cfg.PresenceTTL), func() error { return nil }, nil

	default:
		log.Warn("Using in-process backplane, instances will not see each other")
		return memory.NewBus().Transport(), memory.NewPresenceWithTTL(cfg.InstanceID, cfg.PresenceTTL), func() error { return nil }, nil
	}
}
