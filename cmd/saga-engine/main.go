package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/processor"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/saga-engine")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Validate the configuration
	err = cfg.Validate()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	// Initialize the message broker
	b, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("Failed to initialize broker: ", err)
	}
	defer b.Close()

	// Spanner and Mongo back the outbox only; those deployments run the
	// relay next to an application that owns the saga state elsewhere.
	switch cfg.Database.Type {
	case "spanner", "mongo":
		repo, err := store.NewOutboxRepository(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to initialize outbox repository: ", err)
		}
		log.Println("Starting in relay-only mode")
		processor.NewOutboxRelay(repo, b, cfg.Relay).Run(ctx)
		return
	}

	// Initialize the stores
	stores, err := store.NewStores(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize stores: ", err)
	}

	// Build the saga registry
	registry := saga.NewRegistry()
	if err := registerSagas(registry); err != nil {
		log.Fatal("Failed to register sagas: ", err)
	}

	orchestrator := saga.NewOrchestrator(registry, stores, cfg.Compensation)

	// Subscribe the orchestrator to its event topics
	pool := processor.NewConsumerPool(b, orchestrator, stores.DeadLetters, cfg.Consumer, cfg.DeadLetterTopic)
	topics := append(registry.EventTypes(), message.EventCancel, message.EventCompensationFailed)
	if err := pool.Start(ctx, topics); err != nil {
		log.Fatal("Failed to start consumers: ", err)
	}

	// Fire timeouts for expired instances
	scheduler := processor.NewTimeoutScheduler(stores.Sagas, orchestrator, cfg.Scheduler)
	go scheduler.Run(ctx)

	// Drain the outbox (blocks until the context is canceled)
	processor.NewOutboxRelay(stores.Outbox, b, cfg.Relay).Run(ctx)
}
