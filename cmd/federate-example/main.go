package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/v-checha/mcp-federate-go/pkg/mcpcall"
	"github.com/v-checha/mcp-federate-go/pkg/mcpfed"
	"github.com/v-checha/mcp-federate-go/pkg/mcpfront"
)

func main() {
	upstreamList := os.Getenv("FEDERATE_UPSTREAMS")
	if upstreamList == "" {
		upstreamList = "https://example-server.modelcontextprotocol.io/mcp"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	var upstreams []mcpfed.UpstreamConfig
	for i, url := range strings.Split(upstreamList, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		prefix := "server" + string(rune('1'+i)) + "_"
		upstreams = append(upstreams, mcpfed.UpstreamConfig{
			URL:        url,
			ToolPrefix: prefix,
			Retries:    1,
		})
	}

	client := mcpcall.New(&mcpcall.Options{ClientName: "federate-example"})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing upstream sessions", "error", err)
		}
	}()

	gateway, err := mcpfed.New(client, &mcpfed.Options{
		Name:                "federate-example",
		Upstreams:           upstreams,
		LoadBalancing:       mcpfed.StrategyRoundRobin,
		Timeout:             30 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		OnUpstreamUnhealthy: func(url string) {
			logger.Warn("upstream circuit opened", "upstream", url)
		},
		OnUpstreamRecovered: func(url string) {
			logger.Info("upstream recovered", "upstream", url)
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	if err := gateway.Start(); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}
	defer gateway.Stop()

	front, err := mcpfront.New(gateway, client, &mcpfront.Options{
		Addr: ":8787",
		Path: "/mcp",
		Streamable: mcp.StreamableHTTPOptions{
			Stateless:    false,
			JSONResponse: true,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build front: %v", err)
	}

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := front.Sync(syncCtx); err != nil {
		logger.Warn("initial capability sync incomplete", "error", err)
	}
	cancel()

	log.Printf("federation serving Streamable MCP on :8787/mcp across %d upstreams", len(upstreams))
	if err := front.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("federation server stopped: %v", err)
	}
}
