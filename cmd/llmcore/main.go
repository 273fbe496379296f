// Package main is the entry point for the llmcore gateway: it wires the
// cloud wire-protocol client, local and HTTP providers, the routing layer,
// conversation storage, the streaming session manager, and the sync/metrics
// subsystems into one HTTP server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatewaycore/llmcore/internal/config"
	"github.com/gatewaycore/llmcore/internal/inference"
	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/metrics"
	"github.com/gatewaycore/llmcore/internal/provider"
	"github.com/gatewaycore/llmcore/internal/registry"
	"github.com/gatewaycore/llmcore/internal/router"
	"github.com/gatewaycore/llmcore/internal/server"
	"github.com/gatewaycore/llmcore/internal/session"
	"github.com/gatewaycore/llmcore/internal/store"
	"github.com/gatewaycore/llmcore/internal/streaming"
	"github.com/gatewaycore/llmcore/internal/wire"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var providers []provider.Provider

	if cfg.Cloud.Endpoint != "" {
		p, err := connectCloud(cfg)
		if err != nil {
			log.Fatalf("connecting cloud provider: %v", err)
		}
		providers = append(providers, p)
		log.Printf("cloud provider connected: %s", cfg.Cloud.Endpoint)
	}

	for name, pc := range cfg.Providers {
		providers = append(providers, provider.NewHTTPProvider(pc.BaseURL, pc.APIKey, nil))
		log.Printf("registered http provider %q at %s", name, pc.BaseURL)
	}

	if cfg.Local.ModelsDir != "" {
		p, err := buildLocalProvider(cfg)
		if err != nil {
			log.Fatalf("building local provider: %v", err)
		}
		providers = append(providers, p)
		log.Printf("local provider rooted at %s", cfg.Local.ModelsDir)
	}

	if len(providers) == 0 {
		log.Fatal("no providers configured: set cloud.endpoint, providers, or local.models_dir")
	}

	rtr := router.New(providers, strategyFromString(cfg.Router.Strategy))
	for _, rule := range cfg.Router.Rules {
		rtr.AddRule(router.Rule{
			ModelPrefix:          rule.ModelPrefix,
			ProviderType:         rule.ProviderType,
			FallbackProviderType: rule.FallbackProviderType,
			FallbackModelID:      rule.FallbackModelID,
		})
	}
	if cfg.Router.ScriptPath != "" {
		source, err := os.ReadFile(cfg.Router.ScriptPath)
		if err != nil {
			log.Fatalf("reading routing script: %v", err)
		}
		scriptRule, err := router.NewScriptRule(string(source))
		if err != nil {
			log.Fatalf("compiling routing script: %v", err)
		}
		rtr.SetLuaRule(scriptRule.AsLuaRule())
		rtr.SetStrategy(router.RulesBased)
		log.Printf("routing script loaded from %s", cfg.Router.ScriptPath)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	st, err := store.New(dataDir)
	if err != nil {
		log.Fatalf("opening conversation store: %v", err)
	}

	manager := streaming.New(st, rtr)
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		manager.SetSessionCache(store.NewSessionCache(rc, cfg.Redis.SessionStateTTL))
		log.Printf("session recovery cache backed by redis at %s", cfg.Redis.Addr)
	}

	reg := metrics.New()
	deviceID := uuid.NewString()

	srv := server.New(cfg, rtr, manager, st, reg, deviceID)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmcore listening on :%d (device %s)", cfg.Server.Port, deviceID)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// connectCloud dials the wire-protocol backend, blocks until the handshake
// completes, and wraps the connected client/correlator pair as a Provider.
func connectCloud(cfg *config.Config) (*provider.CloudProvider, error) {
	client := wire.New(wire.Config{
		URL:            cfg.Cloud.Endpoint,
		APIKey:         cfg.Cloud.AuthToken,
		ConnectTimeout: cfg.Cloud.ConnectTimeout,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cloud.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	corr := session.New(client)

	models := make([]provider.CloudModel, 0, len(cfg.Cloud.Models))
	for _, id := range cfg.Cloud.Models {
		models = append(models, provider.CloudModel{ID: id, Name: id})
	}
	return provider.NewCloudProvider(client, corr, models), nil
}

// buildLocalProvider loads the on-disk model registry and wraps a fresh
// inference engine around it.
func buildLocalProvider(cfg *config.Config) (*provider.LocalProvider, error) {
	reg, err := registry.New(cfg.Local.ModelsDir, cfg.Local.DiskBudgetMB*1_000_000)
	if err != nil {
		return nil, err
	}
	engine := inference.NewEngine()
	catalog := make([]message.ModelDescriptor, 0, len(cfg.Local.Catalog))
	for _, m := range cfg.Local.Catalog {
		catalog = append(catalog, message.ModelDescriptor{
			ID: m.ID, Provider: "local", Name: m.Name, Local: true,
			Quantization: m.Quantization, ParameterCount: m.ParameterCount,
			DownloadURL:  m.DownloadURL,
			Capabilities: message.Capabilities{MaxContextLength: m.ContextLength},
		})
	}
	return provider.NewLocalProvider(engine, reg, cfg.Local.DefaultEOSID, catalog), nil
}

func strategyFromString(s string) router.Strategy {
	switch s {
	case "prefer_local":
		return router.PreferLocal
	case "online_only":
		return router.OnlineOnly
	case "local_only":
		return router.LocalOnly
	case "round_robin":
		return router.RoundRobin
	case "rules_based":
		return router.RulesBased
	default:
		return router.PreferOnline
	}
}
