//go:build integration

package streams_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dqagent/internal/queue/streams"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPublishAndConsumeRunRequest(t *testing.T) {
	ctx := context.Background()
	rc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = rc.Terminate(ctx) }()

	host, _ := rc.Host(ctx)
	port, _ := rc.MappedPort(ctx, "6379")
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()

	reg, err := streams.NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := streams.NewPublisher(client, reg, 1000)
	// published before the group exists; the group must still see it
	if _, err := streams.RequestRun(ctx, pub, "dq:runs", streams.RunRequested{RunID: "run-1", Goal: "check nulls"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := streams.EnsureGroup(ctx, client, "dq:runs", "workers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	c := streams.NewConsumer(client, reg, streams.ConsumerConfig{Group: "workers", Name: "w1", Block: time.Second}, nil)
	before, err := c.Backlog(ctx, "dq:runs")
	if err != nil || before.Waiting != 1 {
		t.Fatalf("expected one waiting request, got %+v (%v)", before, err)
	}
	msgs, err := c.Read(ctx, "dq:runs")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var req streams.RunRequested
	if msgs[0].Envelope.RunID != "run-1" {
		t.Fatalf("envelope run id = %q", msgs[0].Envelope.RunID)
	}
	if err := msgs[0].Envelope.Decode(&req); err != nil || req.Goal != "check nulls" || req.Trigger != streams.TriggerManual {
		t.Fatalf("unexpected request %+v (%v)", req, err)
	}
	if err := c.Ack(ctx, "dq:runs", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	after, err := c.Backlog(ctx, "dq:runs")
	if err != nil || after.Pending != 0 || after.Waiting != 0 {
		t.Fatalf("unexpected backlog %+v (%v)", after, err)
	}
}
