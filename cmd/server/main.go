package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agora/api"
	"agora/book"
	"agora/config"
	"agora/engine"
	"agora/feed"
	"agora/infra/logging"
	"agora/infra/metrics"
	"agora/jobs/broadcaster"
	"agora/jobs/depthpub"
	"agora/journal"
	"agora/tape"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// ---------------- Journal ----------------

	jnl, err := journal.Open(journal.Config{
		Dir:         cfg.Journal.Dir,
		SegmentSize: int64(cfg.Journal.SegmentSizeMB) * 1024 * 1024,
		Log:         logger,
	})
	if err != nil {
		logger.Fatal("journal init failed", zap.Error(err))
	}

	// ---------------- Tape ----------------

	tp, err := tape.Open(cfg.Tape.Dir)
	if err != nil {
		logger.Fatal("tape init failed", zap.Error(err))
	}

	// ---------------- Metrics ----------------

	mon := metrics.New(metrics.DefaultConfig())

	// ---------------- Engine ----------------

	// The sink closure runs strictly after apiServer is assigned below;
	// nothing submits orders before the HTTP server starts.
	var apiServer *api.Server
	eng := engine.New(book.New(),
		engine.WithLogger(logger),
		engine.WithJournal(jnl),
		engine.WithTape(tp),
		engine.WithMetrics(mon),
		engine.WithTradeSink(func(trades []book.Trade) {
			if apiServer != nil {
				apiServer.BroadcastTrades(trades)
			}
		}),
	)
	if err := eng.SetDayReset(cfg.Engine.DayResetHour, cfg.Engine.DayResetMinute); err != nil {
		logger.Fatal("day reset config", zap.Error(err))
	}

	apiServer = api.NewServer(eng, tp, logger, cfg.API.AllowedOrigins)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Background jobs ----------------

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Engine.MaintainMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if fired, err := eng.Maintain(time.Now()); err != nil {
					logger.Error("maintenance failed", zap.Error(err))
				} else if fired {
					logger.Info("day reset completed")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Journal.SyncMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := jnl.Sync(); err != nil {
					logger.Error("journal sync failed", zap.Error(err))
				}
			}
		}
	}()

	depthInterval := time.Duration(cfg.Kafka.DepthIntervalMs) * time.Millisecond
	if depthInterval <= 0 {
		depthInterval = time.Second
	}
	go func() {
		ticker := time.NewTicker(depthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				apiServer.BroadcastDepth(eng.Snapshot(cfg.Kafka.DepthLevels))
			}
		}
	}()

	// ---------------- Kafka ----------------

	var tradeBC *broadcaster.Broadcaster
	var depthJob *depthpub.Job
	if len(cfg.Kafka.Brokers) > 0 {
		tradeBC, err = broadcaster.New(tp, cfg.Kafka.Brokers, cfg.Kafka.TradeTopic, logger)
		if err != nil {
			logger.Error("kafka producer init failed, trade broadcast disabled", zap.Error(err))
		} else {
			tradeBC.Start(ctx)
		}

		depthJob = depthpub.New(eng, cfg.Kafka.Brokers, cfg.Kafka.DepthTopic,
			depthInterval, cfg.Kafka.DepthLevels, logger)
		depthJob.Start(ctx)
	}

	// ---------------- Market data feed ----------------

	if cfg.Feed.Enabled {
		proc := feed.NewProcessor(eng, logger)
		if cfg.Feed.StreamURL != "" {
			stream := feed.NewStream(cfg.Feed.StreamURL, cfg.Feed.Symbol, cfg.Feed.Depth, proc, logger)
			stream.Start()
			defer stream.Stop()
		} else {
			client := feed.NewBinanceClient(cfg.Feed.Symbol, cfg.Feed.RestURL)
			poller := feed.NewPoller(client, proc,
				time.Duration(cfg.Feed.PollIntervalMs)*time.Millisecond, cfg.Feed.Depth, logger)
			poller.Start(ctx)
		}
	}

	// ---------------- Metrics server ----------------

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mon.Handler())
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// ---------------- Config hot reload ----------------

	watcher, err := config.NewWatcher(*configPath, 5*time.Second, logger, func(next config.Config) {
		lvl, err := zap.ParseAtomicLevel(next.Log.Level)
		if err != nil {
			logger.Warn("reloaded log level invalid", zap.String("level", next.Log.Level), zap.Error(err))
		} else {
			level.SetLevel(lvl.Level())
		}
		if err := eng.SetDayReset(next.Engine.DayResetHour, next.Engine.DayResetMinute); err != nil {
			logger.Warn("reloaded day reset invalid", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher start failed", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// ---------------- API ----------------

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	logger.Info("engine running",
		zap.String("env", cfg.Env),
		zap.String("api", cfg.API.Addr),
		zap.String("journal", cfg.Journal.Dir),
		zap.String("tape", cfg.Tape.Dir))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", zap.Error(err))
	}
	if tradeBC != nil {
		if err := tradeBC.Close(); err != nil {
			logger.Error("broadcaster close", zap.Error(err))
		}
	}
	if depthJob != nil {
		if err := depthJob.Close(); err != nil {
			logger.Error("depth publisher close", zap.Error(err))
		}
	}
	// Closes the journal and the tape behind it.
	if err := eng.Close(); err != nil {
		logger.Error("engine close", zap.Error(err))
	}
}
