package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/adapters/extractor"
	"github.com/ienone/VaultStream-sub003/internal/adapters/telegram"
	"github.com/ienone/VaultStream-sub003/internal/capability"
	"github.com/ienone/VaultStream-sub003/internal/config"
	"github.com/ienone/VaultStream-sub003/internal/distribute"
	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/outbox"
	"github.com/ienone/VaultStream-sub003/internal/queue"
	"github.com/ienone/VaultStream-sub003/internal/ratelimit"
	"github.com/ienone/VaultStream-sub003/internal/store"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
	"github.com/ienone/VaultStream-sub003/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info().Msg("shutdown requested, draining")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ex := extractor.New(cfg.ExtractorURL, cfg.ExtractorTimeout)
	deliverer := buildDeliverer(cfg, log)
	matcher := distribute.NewMatcher(st, cfg.MaxAttempts, log)
	scheduler := distribute.NewScheduler(st, cfg.SchedulerBatchSize, log)
	guard := ratelimit.NewSlidingWindow(redisClient)
	relay := outbox.NewRelay(st, redisClient, 100, cfg.OutboxInterval, log)

	var wg sync.WaitGroup

	// Parse workers: each runs its own lease queue identity so stale
	// completions from a reclaimed lease stay no-ops.
	for i := 0; i < cfg.ParseWorkers; i++ {
		owner := workerID(i)
		q := queue.New(st.Pool(), queue.Options{
			Owner:       owner,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
		})
		proc := worker.NewProcessor(q, cfg.LeaseDuration, cfg.WorkerPollInterval, log.With().Str("worker", owner).Logger())
		parse := worker.NewParseHandler(st, ex, matcher, log)
		proc.RegisterHandler(models.JobKindParse, parse.Handle)
		proc.RegisterTerminalHandler(models.JobKindParse, parse.HandleExhausted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("worker", owner).Msg("parse worker stopped")
			}
		}()
	}

	// Delivery dispatchers.
	for i := 0; i < cfg.DeliveryWorkers; i++ {
		disp := distribute.NewDispatcher(st, deliverer, guard, distribute.DispatcherOptions{
			BatchSize:    cfg.DeliveryBatchSize,
			ClaimFor:     cfg.DeliveryClaimFor,
			PollInterval: cfg.WorkerPollInterval,
			BackoffBase:  cfg.DeliveryBackoffBase,
			BackoffCap:   cfg.DeliveryBackoffCap,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("dispatcher stopped")
			}
		}()
	}

	// Outbox relay.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox relay stopped")
		}
	}()

	// Periodic sweeps: the scheduler pass is the durable fallback for lost
	// in-process triggers; the reaper recovers crashed dispatcher claims.
	c := cron.New(cron.WithSeconds())
	mustSchedule(c, log, every(cfg.SchedulerInterval), func() {
		if _, err := scheduler.RunOnce(ctx, time.Now()); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler sweep failed")
		}
	})
	mustSchedule(c, log, "*/30 * * * * *", func() {
		if n, err := st.ReapExpiredClaims(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("claim reaper failed")
		} else if n > 0 {
			log.Warn().Int64("reclaimed", n).Msg("returned expired delivery claims")
		}
	})
	mustSchedule(c, log, "0 */10 * * * *", func() {
		cutoff := time.Now().Add(-cfg.OutboxRetention)
		if _, err := st.TrimPublishedEvents(ctx, cutoff); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox trim failed")
		}
	})
	c.Start()
	defer c.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Int("parse_workers", cfg.ParseWorkers).
		Int("delivery_workers", cfg.DeliveryWorkers).
		Dur("lease", cfg.LeaseDuration).
		Msg("worker started")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("worker drained")
}

// buildDeliverer returns the Telegram adapter when a token is configured, or
// a stub that fails permanently so misconfiguration surfaces in intent rows
// instead of panics.
func buildDeliverer(cfg config.Config, log zerolog.Logger) capability.Deliverer {
	if cfg.TelegramToken == "" {
		log.Warn().Msg("no telegram token configured, deliveries will fail")
		return deliverNone{}
	}
	a, err := telegram.New(telegram.Config{
		Token:       cfg.TelegramToken,
		SendsPerSec: cfg.TelegramSendsPerSec,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init telegram adapter")
	}
	return a
}

type deliverNone struct{}

func (deliverNone) Deliver(context.Context, capability.Payload, capability.Target) (string, error) {
	return "", capability.Permanentf("no delivery transport configured")
}

func workerID(i int) string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", hostname, i)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func mustSchedule(c *cron.Cron, log zerolog.Logger, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatal().Err(err).Str("spec", spec).Msg("schedule cron job")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "worker").Logger()
}
