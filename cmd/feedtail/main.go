// feedtail follows an exchange event feed and prints events to the console.
// Usage: go run ./cmd/feedtail --url ws://localhost:8080/v1/feed --user alice
//
// When the gateway requires signed requests, set:
//
//	EXCHANGE_KEY_ID           - key id the gateway expects
//	EXCHANGE_PRIVATE_KEY_PATH - path to the RSA private key PEM file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/exchange-core/internal/auth"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/notify"
)

func main() {
	feedURL := flag.String("url", "ws://localhost:8080/v1/feed", "feed websocket URL")
	user := flag.String("user", "", "only show events addressed to this user")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	target, err := url.Parse(*feedURL)
	if err != nil {
		logger.Error("invalid feed url", "url", *feedURL, "error", err)
		os.Exit(1)
	}
	if *user != "" {
		q := target.Query()
		q.Set("user", *user)
		target.RawQuery = q.Encode()
	}

	cfg := notify.DefaultClientConfig()
	cfg.URL = target.String()

	keyID, keyPath := os.Getenv("EXCHANGE_KEY_ID"), os.Getenv("EXCHANGE_PRIVATE_KEY_PATH")
	if keyPath != "" {
		creds, err := auth.LoadCredentials(keyID, keyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		path := target.Path
		cfg.Header = func() (http.Header, error) {
			return creds.SignRequest(http.MethodGet, path)
		}
		logger.Info("signing feed requests", "key_id", keyID)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := notify.NewClient(cfg, logger)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed client stopped", "error", err)
		}
	}()

	logger.Info("tailing feed - press Ctrl+C to stop", "url", cfg.URL)

	counts := make(map[model.EventType]int)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-client.Events():
			if !ok {
				logger.Info("shutdown complete", "events", counts)
				return
			}
			counts[e.Type]++
			printEvent(e, *verbose)
		case <-ticker.C:
			logger.Info("stats", "connected", client.IsConnected(), "events", counts)
		}
	}
}

func printEvent(e model.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(e, "", "  ")
		fmt.Printf("[%s] %s\n", strings.ToUpper(string(e.Type)), data)
		return
	}

	line := fmt.Sprintf("[%s] %s %s users=%s",
		strings.ToUpper(string(e.Type)), e.Kind, e.RecordID, strings.Join(e.Users, ","))
	if e.Amount != 0 {
		line += fmt.Sprintf(" amount=%d", e.Amount)
	}
	if len(e.Items) > 0 {
		line += fmt.Sprintf(" items=%v", e.Items)
	}
	for k, v := range e.Detail {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	fmt.Println(line)
}
