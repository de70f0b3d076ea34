// Command agentdemo wires every package in this module into one running
// process, the way cmd/cluster_counter and friends wired up the teacher's
// pipeline stages: a plugin services instance starts a demo trace, a
// scheduler watches it for stuck/profiling purposes, and a pipeline
// drains completed traces into an Elasticsearch-backed sink.
package main

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/asaskevich/EventBus"

	"github.com/parabinda/glowroot/pkg/config"
	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/pipeline"
	"github.com/parabinda/glowroot/pkg/pluginapi"
	"github.com/parabinda/glowroot/pkg/scheduler"
	"github.com/parabinda/glowroot/pkg/sink"
	"github.com/parabinda/glowroot/pkg/tick"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.New(nil, logger)
	cfg.Set("maxSpans", 5000.0)

	es, err := elasticsearch.NewDefaultClient()
	if err != nil {
		logger.Warn("elasticsearch client unavailable, snapshots will only be cached in memory", zap.Error(err))
		es = nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e7,
		MaxCost:     1 << 30,
		BufferItems: 64,
	})
	if err != nil {
		logger.Fatal("failed to construct ristretto cache", zap.Error(err))
	}
	traceSink := sink.New(cache, es, "trace-snapshots", logger)

	bus := EventBus.New()
	traceSchedule := pipeline.New(bus, logger)
	if err := traceSchedule.SubscribeSink(context.Background(), traceSink); err != nil {
		logger.Fatal("failed to subscribe sink to pipeline", zap.Error(err))
	}

	sched := scheduler.New(logger)
	registry := metric.NewRegistry()

	services := pluginapi.New(
		"agentdemo",
		registry,
		cfg,
		sched,
		tick.NewClock(),
		tick.NewTicker(),
		logger,
		pluginapi.Options{
			StuckTraceDelay:    5 * time.Second,
			StackSamplerDelay:  500 * time.Millisecond,
			StackSamplerPeriod: 500 * time.Millisecond,
			OnTraceStarted:     traceSchedule.Attach,
		},
	)

	runDemoRequest(services, logger)

	// give the async pipeline a moment to drain before exiting.
	time.Sleep(100 * time.Millisecond)
	if err := traceSink.Flush(context.Background()); err != nil {
		logger.Error("failed to flush trace snapshots on shutdown", zap.Error(err))
	}
}

func runDemoRequest(services *pluginapi.Services, logger *zap.Logger) {
	requestMetric := services.GetMetricName("http request")
	dbMetric := services.GetMetricName("db query")

	root := services.StartTrace(message.FromText("GET /widgets"), requestMetric)
	services.SetUserId("demo-user")
	services.SetTraceAttribute("route", "/widgets")

	child := services.StartSpan(message.FromTemplate("SELECT * FROM widgets WHERE id = %d", 42), dbMetric)
	time.Sleep(10 * time.Millisecond)
	child.End()

	services.AddSpan(message.FromText("cache miss"))

	root.End()

	logger.Info("demo trace completed")
}
