package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/rox/activitypub"
	"github.com/deemkeen/rox/db"
	"github.com/deemkeen/rox/util"
	"github.com/deemkeen/rox/web"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// activityRetention bounds the inbound de-duplication log.
	activityRetention = 30 * 24 * time.Hour
	maintenanceEvery  = time.Hour
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	createUser := flag.String("create-user", "", "register a local actor and exit")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(util.GetNameAndVersion())
		return
	}

	conf, err := util.ReadConf(*configPath)
	if err != nil {
		log.Fatal("Failed to read config", "err", err)
	}
	logger := util.NewLogger(conf.Conf.LogLevel, os.Stderr)
	logger.Info("Configuration", "domain", conf.Conf.SslDomain, "port", conf.Conf.HttpPort, "database", conf.Conf.Database)

	if err := run(conf, logger, *createUser); err != nil {
		logger.Fatal("Exiting", "err", err)
	}
}

func run(conf *util.AppConfig, logger *log.Logger, createUser string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(util.ResolveFilePath(conf.Conf.Database), logger)
	if err != nil {
		return err
	}
	defer database.Close()

	logger.Info("Running database migrations")
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	fed := conf.Federation
	userAgent := util.UserAgent(conf.Conf.SslDomain)
	keys := activitypub.NewKeyStore(database, conf.BaseURL())

	if createUser != "" {
		actor, err := keys.CreateLocalActor(ctx, createUser, createUser)
		if err != nil {
			return err
		}
		logger.Info("Created local actor", "uri", actor.URI)
		return nil
	}

	if _, err := keys.EnsureLocalActor(ctx, fed.InstanceActor); err != nil {
		return fmt.Errorf("instance actor: %w", err)
	}

	resolver := activitypub.NewResolver(database, keys, nil, activitypub.ResolverConfig{
		LocalDomain:   conf.Conf.SslDomain,
		Scheme:        conf.Conf.Scheme,
		UserAgent:     userAgent,
		FetchTimeout:  fed.FetchTimeout,
		FetchAttempts: fed.FetchAttempts,
		FetchBackoff:  fed.FetchBackoff,
		CacheTTL:      fed.ActorCacheTTL,
		InstanceActor: fed.InstanceActor,
	}, logger)
	delivery := activitypub.NewDelivery(database, keys, nil, activitypub.DeliveryConfig{
		Workers:      fed.DeliveryWorkers,
		MaxAttempts:  fed.DeliveryMaxAttempts,
		Backoff:      fed.DeliveryBackoff,
		MaxBackoff:   fed.DeliveryMaxBackoff,
		Timeout:      fed.DeliveryTimeout,
		PollInterval: fed.DeliveryPollInterval,
		UserAgent:    userAgent,
	}, logger)
	outbox := activitypub.NewOutbox(conf.BaseURL(), fed.InstanceActor, database, delivery, logger)
	inbox := activitypub.NewInbox(activitypub.InboxDeps{
		Actors:     database,
		Follows:    database,
		Notes:      database,
		Reactions:  database,
		Renotes:    database,
		Activities: database,
		Keys:       keys,
		Resolver:   resolver,
		Outbox:     outbox,
		Verifier:   &activitypub.SignatureVerifier{MaxSkew: fed.SignatureMaxSkew},
		Logger:     logger,
	})

	limiter := web.NewRateLimiter(rate.Limit(5), 10)
	router := web.NewRouter(web.Deps{
		Store:   database,
		Domain:  conf.Conf.SslDomain,
		Outbox:  outbox,
		Inbox:   inbox,
		Logger:  logger,
		Limiter: limiter,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		return web.Serve(ctx, addr, router, logger.WithPrefix("Web"))
	})
	g.Go(func() error {
		return delivery.Run(ctx)
	})
	g.Go(func() error {
		limiter.RunCleanup(ctx, 5*time.Minute, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		maintain(ctx, database, resolver, logger.WithPrefix("DB"))
		return nil
	})
	return g.Wait()
}

// maintain trims the processed-activity log and the actor cache until ctx
// is done.
func maintain(ctx context.Context, database *db.DB, resolver *activitypub.Resolver, logger *log.Logger) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := database.PruneActivities(ctx, time.Now().Add(-activityRetention))
			if err != nil {
				logger.Error("Failed to prune activity log", "err", err)
				continue
			}
			logger.Debug("Maintenance done", "activities", n, "cachedActors", resolver.PruneCache())
		}
	}
}
