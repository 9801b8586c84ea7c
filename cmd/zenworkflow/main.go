package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pbinitiative/zenworkflow/internal/cluster"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/pbinitiative/zenworkflow/internal/log"
	"github.com/pbinitiative/zenworkflow/internal/otel"
	"github.com/pbinitiative/zenworkflow/internal/profile"
	"github.com/pbinitiative/zenworkflow/internal/rest"
)

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}
	metrics, err := openTelemetry.EngineMetrics()
	if err != nil {
		log.Error("Failed to create engine metrics: %s", err)
		os.Exit(1)
	}

	zenNode, err := cluster.StartZenNode(appContext, conf,
		cluster.NodeWithMetrics(metrics),
		cluster.NodeWithTracer(openTelemetry.Tracer()),
	)
	if err != nil {
		log.Error("Failed to start Zen node: %s", err)
		os.Exit(1)
	}

	// Start the public API
	svr := rest.NewServer(zenNode, conf, openTelemetry.MetricsHandler())
	if svr.Start() == nil {
		ctxCancel()
		_ = zenNode.Stop()
		os.Exit(1)
	}

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(context.Background())
	err = zenNode.Stop()
	if err != nil {
		log.Error("failed to properly stop zen node: %s", err)
	}
	openTelemetry.Stop(context.Background())
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
