// Command shareagg runs the share-aggregation core: it consumes a
// share stream into a live registry, appends every share to the
// on-disk binary log, replays that log into the hour/day rollup
// pipeline, and flushes both the live and rollup state into KV and SQL
// sinks on a tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/poolshare/aggregator/internal/api"
	"github.com/poolshare/aggregator/internal/binlog"
	"github.com/poolshare/aggregator/internal/bus"
	"github.com/poolshare/aggregator/internal/config"
	"github.com/poolshare/aggregator/internal/meta"
	"github.com/poolshare/aggregator/internal/metrics"
	"github.com/poolshare/aggregator/internal/newrelic"
	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/rollup"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/sink"
	"github.com/poolshare/aggregator/internal/util"

	"database/sql"

	_ "github.com/go-sql-driver/mysql"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	dumpDay := flag.String("dump-day", "", "Dump one day's sharelog to stdout instead of running the pipeline (YYYY-MM-DD, UTC)")
	dumpUsers := flag.String("dump-users", "", "Comma-separated user IDs to restrict -dump-day to; empty dumps every share")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shareagg v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *dumpDay != "" {
		runDump(cfg, *dumpDay, *dumpUsers)
		return
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("shareagg v%s starting", version)

	nr := newrelic.NewAgent(&cfg.NewRelic)
	if err := nr.Start(); err != nil {
		util.Warnf("newrelic: start failed: %v", err)
	}
	defer nr.Stop()

	exp := metrics.New("shareagg")

	if err := os.MkdirAll(cfg.BinLog.DataDir, 0755); err != nil {
		util.Fatalf("failed to create binlog data dir: %v", err)
	}

	cursors, err := binlog.OpenCursorStore(cfg.BinLog.CursorBoltPath)
	if err != nil {
		util.Fatalf("failed to open cursor store: %v", err)
	}
	defer cursors.Close()

	writer := binlog.NewWriter(cfg.BinLog.DataDir)
	writer.Start()

	liveAgg := registry.NewLiveAggregator()
	rollupAgg := rollup.New(float64(cfg.Rollup.BlockReward))

	replayer, err := binlog.NewReplayer(cfg.BinLog.DataDir, cursors, binlog.DayBucket(uint32(time.Now().Unix())))
	if err != nil {
		util.Fatalf("failed to open replayer: %v", err)
	}
	defer replayer.Close()

	rollupDB, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		util.Fatalf("failed to open rollup database handle: %v", err)
	}
	defer rollupDB.Close()
	rollupDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	rollupDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	rollupDB.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	metaDB, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		util.Fatalf("failed to open meta database handle: %v", err)
	}
	defer metaDB.Close()

	metaKV := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer metaKV.Close()

	metaUpdater := meta.New(metaDB, metaKV, meta.Config{
		Prefix:        cfg.KV.Prefix,
		IndexPolicy:   cfg.KV.IndexPolicy,
		PublishPolicy: cfg.KV.PublishPolicy,
	})

	kvSink := sink.NewKVSink(sink.KVConfig{
		Addrs:         []string{cfg.Redis.Addr},
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		Prefix:        cfg.KV.Prefix,
		KeyTTLSeconds: int(cfg.KV.KeyTTL.Seconds()),
		PublishPolicy: uint32(cfg.KV.PublishPolicy),
		IndexPolicy:   cfg.KV.IndexPolicy,
		Concurrency:   cfg.KV.Concurrency,
		LastFlushFile: cfg.KV.LastFlushFile,
	})
	defer kvSink.Close()

	sqlSink, err := sink.NewSQLSink(cfg.MySQL.DSN, cfg.KV.LastFlushFile)
	if err != nil {
		util.Fatalf("failed to open sql sink: %v", err)
	}
	defer sqlSink.Close()

	wsSubscriber := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	apiServer := api.NewServer(cfg, liveAgg, exp, wsSubscriber)

	shareBus, err := dialBus(cfg.Bus)
	if err != nil {
		util.Fatalf("failed to dial share bus: %v", err)
	}
	metaBus, err := dialBus(cfg.MetaBus)
	if err != nil {
		util.Fatalf("failed to dial meta bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var initializing atomic.Bool
	initializing.Store(true)

	// (1) share-bus consumer: drives the live registry and the binlog writer.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := shareBus.Consume(cfg.Bus.Timeout)
			if err == bus.ErrTimeout || err == bus.ErrEndOfStream {
				continue
			}
			if err != nil {
				util.Errorf("share bus: consume error: %v", err)
				continue
			}

			s, err := share.Decode(msg.Payload)
			if err != nil {
				exp.RecordShareDropped("malformed")
				util.Warnf("share bus: dropping malformed record: %v", err)
				continue
			}
			if !s.IsValid() {
				exp.RecordShareDropped("invalid")
				continue
			}

			now := uint32(time.Now().Unix())
			if initializing.Load() && int64(now)-int64(s.Timestamp) < 60 {
				initializing.Store(false)
			}

			liveAgg.ProcessShare(&s, now)
			writer.AddShare(s)
			exp.RecordShareProcessed(s.Result.String())
		}
	}()

	// (2) meta-events consumer.
	go metaUpdater.Run(ctx, metaBus)

	// (5) replayer: tails the binlog into the rollup aggregator.
	go func() {
		ticker := time.NewTicker(cfg.BinLog.ReplayTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := replayer.Tick(func(s share.Share) { rollupAgg.ProcessShare(s) })
				if err != nil {
					util.Errorf("replayer: tick error: %v", err)
					continue
				}
				if n > 0 {
					util.Debugf("replayer: replayed %d shares", n)
				}
				exp.SetBinlogBuffered(writer.Buffered())
				exp.SetReplayLag(time.Since(time.Unix(replayer.Bucket(), 0)))
				if backlog, err := replayer.Backlog(); err == nil {
					exp.SetReplayBacklog(backlog)
				}
				if replayer.CheckRotate(time.Now()) {
					if err := replayer.Rotate(); err != nil {
						util.Errorf("replayer: rotate error: %v", err)
					}
				}
			}
		}
	}()

	// (3)/(4) flush tickers: KV (which also drains the index buffer), SQL,
	// rollup, and rollup retention.
	go func() {
		ticker := time.NewTicker(cfg.KV.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := uint32(time.Now().Unix())
				start := time.Now()
				err := nr.WrapFlush(ctx, "kv", func(ctx context.Context) error {
					kvSink.Flush(ctx, liveAgg.Registry(), now)
					return nil
				})
				exp.ObserveFlush("kv", time.Since(start), err)
				workers, users := liveAgg.Registry().TotalWorkers(), liveAgg.Registry().TotalUsers()
				exp.SetRegistrySize(workers, users)
				nr.RecordRegistrySize(workers, users)
				util.Debugf("kv: flushed %s workers, %s users", util.Comma(int64(workers)), util.Comma(int64(users)))

				pool := liveAgg.GetWorkerStatusBatch([]share.Key{{UserID: 0, WorkerHashID: 0}}, now)[0]
				util.Debugf("kv: pool accept rate %s", util.Hashrate(float64(pool.Accept1m)/60))
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.KV.SQLFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := uint32(time.Now().Unix())
				start := time.Now()
				err := nr.WrapFlush(ctx, "sql", func(ctx context.Context) error {
					return sqlSink.Flush(ctx, liveAgg.Registry(), now, initializing.Load())
				})
				exp.ObserveFlush("sql", time.Since(start), err)
				if err != nil {
					util.Errorf("sql sink: flush error: %v", err)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Rollup.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := uint32(time.Now().Unix())
				start := time.Now()
				err := nr.WrapFlush(ctx, "rollup", func(ctx context.Context) error {
					return rollupAgg.Flush(ctx, rollupDB, now)
				})
				exp.ObserveFlush("rollup", time.Since(start), err)
				if err != nil {
					util.Errorf("rollup: flush error: %v", err)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Rollup.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rollup.Prune(ctx, rollupDB, time.Now()); err != nil {
					util.Errorf("rollup: prune error: %v", err)
				}
			}
		}
	}()

	// Registry expiration.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				liveAgg.Expire(uint32(time.Now().Unix()))
			}
		}
	}()

	if cfg.API.Enabled {
		if err := apiServer.Start(ctx); err != nil {
			util.Fatalf("failed to start api server: %v", err)
		}
	}

	util.Info("shareagg started successfully. press ctrl+c to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	util.Info("shutting down...")
	cancel()

	if cfg.API.Enabled {
		apiServer.Stop()
	}
	util.Debugf("binlog: data directory holds %s on disk", util.Bytes(dirSize(cfg.BinLog.DataDir)))
	if err := writer.Stop(); err != nil {
		util.Errorf("binlog: writer shutdown error: %v", err)
	}
	shareBus.Close()
	metaBus.Close()

	util.Info("shareagg stopped")
}

// dirSize sums the size of every regular file directly under dir, for
// the humanized disk-usage line logged on shutdown.
func dirSize(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total uint64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}

// runDump dumps one day's sharelog file to stdout, optionally filtered
// to a set of user IDs, then exits without starting the pipeline.
func runDump(cfg *config.Config, day, usersCSV string) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -dump-day %q: %v\n", day, err)
		os.Exit(1)
	}
	bucket := binlog.DayBucket(uint32(t.Unix()))

	userIDs := map[int32]bool{}
	if usersCSV != "" {
		for _, part := range strings.Split(usersCSV, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid -dump-users entry %q: %v\n", part, err)
				os.Exit(1)
			}
			userIDs[int32(id)] = true
		}
	}

	n, err := binlog.Dump(cfg.BinLog.DataDir, bucket, userIDs, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump failed after %d shares: %v\n", n, err)
		os.Exit(1)
	}
}

func dialBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case "memory":
		b := bus.NewMemoryBus(10000)
		return b, b.Setup(bus.OffsetLatest(0))
	default:
		b := bus.NewZMQBus(cfg.Addr, cfg.Topic)
		return b, b.Setup(bus.OffsetLatest(0))
	}
}
