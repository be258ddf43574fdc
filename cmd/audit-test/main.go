package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"fides/internal/audit"
	"fides/internal/audit/outbox"
	outboxmetrics "fides/internal/audit/outbox/metrics"
	"fides/internal/platform/kafka"
	id "fides/pkg/domain"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stdoutPublisher satisfies outbox.Publisher so the relay pipeline can be
// exercised without a broker.
type stdoutPublisher struct{}

func (stdoutPublisher) Produce(_ context.Context, msg *kafka.Message) error {
	fmt.Printf("   relayed to %s key=%s payload=%s\n", msg.Topic, msg.Key, msg.Value)
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Wire the full trail: publisher -> store + outbox sink -> relay worker.
	store := audit.NewInMemoryStore()
	oboxStore := outbox.NewMemoryStore()
	publisher := audit.NewPublisher(
		store,
		audit.WithAsyncBuffer(10), // Small buffer to test backpressure
		audit.WithSink(outbox.NewSink(oboxStore)),
		audit.WithPublisherLogger(logger),
	)
	worker := outbox.NewWorker(
		oboxStore,
		stdoutPublisher{},
		outbox.WithPollInterval(50*time.Millisecond),
		outbox.WithWorkerMetrics(outboxmetrics.New()),
		outbox.WithWorkerLogger(logger),
	)
	worker.Start()

	// Start metrics server in background
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		fmt.Println("Metrics available at http://localhost:9090/metrics")
		if err := http.ListenAndServe(":9090", nil); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	ctx := context.Background()
	orgID := id.OrgID("org-audit-smoke")

	fmt.Println("\n=== Audit Pipeline Test ===")

	// Test 1: Emit some events normally
	fmt.Println("1. Emitting 5 events (should all succeed)...")
	for i := 0; i < 5; i++ {
		event := audit.Event{
			OrgID:     orgID,
			Action:    audit.ActionNonceBound,
			Method:    "manual",
			Reason:    fmt.Sprintf("test event %d", i+1),
			RequestID: uuid.New().String(),
		}
		if err := publisher.Emit(ctx, event); err != nil {
			fmt.Printf("   Event %d failed: %v\n", i+1, err)
		} else {
			fmt.Printf("   Event %d emitted\n", i+1)
		}
		time.Sleep(50 * time.Millisecond) // Small delay to let worker process
	}

	// Give worker time to process
	time.Sleep(200 * time.Millisecond)

	// Test 2: Flood the buffer to trigger drops
	fmt.Println("\n2. Flooding buffer with 20 events (buffer size is 10)...")
	dropped := 0
	for i := 0; i < 20; i++ {
		event := audit.Event{
			OrgID:     orgID,
			Action:    audit.ActionValidationRejected,
			Reason:    fmt.Sprintf("flood event %d", i+1),
			RequestID: uuid.New().String(),
		}
		if err := publisher.Emit(ctx, event); err != nil {
			dropped++
		}
	}
	fmt.Printf("   Emitted 20 events, %d dropped due to full buffer\n", dropped)

	// Give the relay time to drain the outbox
	time.Sleep(500 * time.Millisecond)

	// Test 3: Check store contents
	fmt.Println("\n3. Checking store contents...")
	allEvents, _ := publisher.List(ctx, orgID)
	fmt.Printf("   Total events in store: %d\n", len(allEvents))
	pending, _ := oboxStore.CountPending(ctx)
	fmt.Printf("   Outbox entries still pending: %d\n", pending)

	// Print metrics summary
	fmt.Println("\n=== Metrics Summary ===")
	fmt.Println("View full metrics at: http://localhost:9090/metrics")
	fmt.Println("Filter with: curl -s http://localhost:9090/metrics | grep fides_outbox")
	fmt.Println("\nPress Ctrl+C to exit...")

	// Keep server running
	select {}
}
