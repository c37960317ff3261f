// e2e_test.go
//
// Level 3 integration tests: exercises run() end-to-end with real Postgres and Redis.
// Skipped unless TEST_DATABASE_URL and TEST_REDIS_URL are set.
//
//	docker compose -f compose.test.yml up -d
//	TEST_DATABASE_URL=... TEST_REDIS_URL=... go test ./...
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/MGallo-Code/oidc-rp/internal/config"
	"github.com/MGallo-Code/oidc-rp/internal/testutil"
)

// startRun boots run() against real backing services and returns its base URL.
func startRun(t *testing.T, settings config.Settings) string {
	t.Helper()
	dbURL, redisURL := os.Getenv("TEST_DATABASE_URL"), os.Getenv("TEST_REDIS_URL")
	if dbURL == "" || redisURL == "" {
		t.Skip("TEST_DATABASE_URL or TEST_REDIS_URL not set")
	}

	cfg := &config.Config{
		DatabaseURL:      dbURL,
		RedisURL:         redisURL,
		Port:             "0", // OS picks a free port
		LogLevel:         slog.LevelWarn,
		SessionTTL:       time.Hour,
		StateGCInterval:  time.Hour,
		SessionRetention: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, cfg, config.Static(settings), ready) }()

	select {
	case addr := <-ready:
		t.Cleanup(func() {
			cancel()
			// Wait so deferred closes complete before the next test
			<-runErr
		})
		return addr
	case err := <-runErr:
		cancel()
		t.Fatalf("run failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("run did not become ready")
	}
	return ""
}

func TestE2E_Health(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	base := startRun(t, smokeSettings(idp))

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
}

func TestE2E_FullRoundTrip(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	// Unique subject per run so repeated runs don't collide on usernames
	idp.Claims["sub"] = "e2e-" + time.Now().Format("150405.000000")
	base := startRun(t, smokeSettings(idp))
	roundTrip(t, base, idp)
}
