package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"device-association/internal/registry/fake"
)

func main() {
	fs := pflag.NewFlagSet("fake_registry", pflag.ExitOnError)
	addr := fs.String("addr", getenvDefault("FAKE_REGISTRY_ADDR", ":18080"), "listen address")
	username := fs.String("username", os.Getenv("FAKE_REGISTRY_USERNAME"), "accepted username; empty accepts any")
	password := fs.String("password", os.Getenv("FAKE_REGISTRY_PASSWORD"), "accepted password")
	latency := fs.Duration("latency", 0, "artificial latency per request")
	failRate := fs.Float64("fail-rate", 0, "probability of a failure result on vehicle writes")
	models := fs.StringSlice("model", []string{"model-default=DEFAULT"}, "catalog entry as id=code, repeatable")
	_ = fs.Parse(os.Args[1:])

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	catalog, err := parseModels(*models)
	if err != nil {
		logger.Error("invalid model flag", "err", err)
		os.Exit(2)
	}

	srv := fake.NewServer(fake.Config{
		Username: *username,
		Password: *password,
		Latency:  *latency,
		FailRate: *failRate,
		Models:   catalog,
	})
	server := &http.Server{Addr: *addr, Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("fake registry listening", "addr", *addr, "models", len(catalog))
	if err := server.ListenAndServe(); err != nil {
		logger.Error("fake registry stopped", "err", err)
		os.Exit(1)
	}
}

func parseModels(values []string) ([]fake.Model, error) {
	models := make([]fake.Model, 0, len(values))
	for _, value := range values {
		id, code, ok := strings.Cut(value, "=")
		id, code = strings.TrimSpace(id), strings.TrimSpace(code)
		if !ok || id == "" || code == "" {
			return nil, fmt.Errorf("model %q: want id=code", value)
		}
		models = append(models, fake.Model{ID: id, Code: code, Name: code})
	}
	return models, nil
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
