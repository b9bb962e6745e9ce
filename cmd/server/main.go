// Command server runs the datachat API gateway.
//
// Configuration comes from a YAML file (-config flag, DATACHAT_CONFIG env
// var, or ./datachat.yaml) with DATACHAT_* environment overrides. See
// pkg/config for the full surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/auth"
	"github.com/datachat-dev/datachat/pkg/auth/apikey"
	authjwt "github.com/datachat-dev/datachat/pkg/auth/jwt"
	"github.com/datachat-dev/datachat/pkg/auth/noop"
	"github.com/datachat-dev/datachat/pkg/classify"
	"github.com/datachat-dev/datachat/pkg/codegen"
	"github.com/datachat-dev/datachat/pkg/config"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/docsearch"
	"github.com/datachat-dev/datachat/pkg/engine"
	"github.com/datachat-dev/datachat/pkg/provider/openaichat"
	"github.com/datachat-dev/datachat/pkg/research"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/sandbox/kubernetes"
	"github.com/datachat-dev/datachat/pkg/session"
	"github.com/datachat-dev/datachat/pkg/session/memory"
	"github.com/datachat-dev/datachat/pkg/session/postgres"
	"github.com/datachat-dev/datachat/pkg/synth"
	"github.com/datachat-dev/datachat/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	debug.Init(cfg.Debug.Categories, cfg.Debug.Level)

	// Model provider. All model-facing components share one provider.
	prov, err := openaichat.New(openaichat.Config{
		BaseURL: cfg.Model.BackendURL,
		APIKey:  cfg.Model.APIKey,
		Timeout: cfg.Model.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	defer prov.Close()

	// Sandbox client. The HTTP transport timeout must outlast the longest
	// server-side execution, which is bounded by the exec timeout.
	sbClient := sandbox.NewClient(cfg.Sandbox.ExecTimeout + 30*time.Second)

	acquirer, err := newAcquirer(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("creating sandbox acquirer: %w", err)
	}

	provisioner := &session.Provisioner{
		Client:        sbClient,
		Acquirer:      acquirer,
		CreateTimeout: cfg.Sandbox.CreateTimeout,
	}

	ctx := context.Background()
	store, err := newStore(ctx, cfg.Session, provisioner)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	classifier := classify.New(prov, cfg.Model.Model,
		cfg.Classifier.Temperature, api.QueryKind(cfg.Classifier.Fallback))

	generator := codegen.New(prov, cfg.Model.Model, sbClient, codegen.Config{
		Temperature:      cfg.Codegen.Temperature,
		RetryTemperature: cfg.Codegen.RetryTemperature,
		PreviewRows:      cfg.Codegen.PreviewRows,
		ExecTimeout:      cfg.Sandbox.ExecTimeout,
	})

	docTool := docsearch.NewSandboxTool(sbClient, cfg.Sandbox.ExecTimeout)
	documents := docsearch.NewPipeline(docTool, docsearch.Config{
		MaxCandidates:  cfg.Docsearch.MaxCandidates,
		MaxExtractions: cfg.Docsearch.MaxExtractions,
		CharBudget:     cfg.Docsearch.CharBudget,
	})

	synthesizer := synth.New(prov, cfg.Model.Model, 0)

	researcher := research.New(prov, cfg.Model.Model, research.Config{
		Servers:  researchServers(cfg.Research.Servers),
		MaxTurns: cfg.Research.MaxTurns,
	})
	if len(cfg.Research.Servers) > 0 {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := researcher.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting MCP servers: %w", err)
		}
		slog.Info("research enabled", "servers", len(cfg.Research.Servers))
	}
	defer researcher.Close()

	eng, err := engine.New(engine.Deps{
		Store:       store,
		Executor:    sbClient,
		Classifier:  classifier,
		Generator:   generator,
		Documents:   documents,
		Synthesizer: synthesizer,
		Researcher:  researcher,
	}, engine.Config{ExecTimeout: cfg.Sandbox.ExecTimeout})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	handler := transport.NewHandler(eng, store, sbClient, transport.Config{
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		ProbeTimeout:   cfg.Sandbox.ExecTimeout,
	})

	var extra []transport.Middleware
	if mw := authMiddleware(cfg.Auth); mw != nil {
		extra = append(extra, mw)
	}

	srv := transport.NewServer(handler, transport.ServerConfig{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, extra...)

	slog.Info("server starting",
		"port", cfg.Server.Port,
		"model", cfg.Model.Model,
		"sandbox_mode", cfg.Sandbox.Mode,
		"session_store", cfg.Session.Type,
		"auth", cfg.Auth.Type,
	)
	serveErr := srv.ListenAndServe()

	// Tear down sandboxes before exiting so claims are not leaked.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Shutdown(shutdownCtx); err != nil {
		slog.Error("session store shutdown failed", "error", err)
	}

	return serveErr
}

func newAcquirer(cfg config.SandboxConfig) (sandbox.Acquirer, error) {
	switch cfg.Mode {
	case "static":
		return &sandbox.StaticURLAcquirer{URL: cfg.URL}, nil
	case "kubernetes":
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, err
		}
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		return kubernetes.NewClaimAcquirer(c, cfg.Template, cfg.Namespace, cfg.ClaimTimeout), nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}

func newStore(ctx context.Context, cfg config.SessionConfig, p *session.Provisioner) (session.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(p, cfg.IdleTTL), nil
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}, p)
	default:
		return nil, fmt.Errorf("unknown session store type %q", cfg.Type)
	}
}

func researchServers(servers []config.MCPServerConfig) []research.ServerConfig {
	out := make([]research.ServerConfig, 0, len(servers))
	for _, s := range servers {
		out = append(out, research.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			URL:       s.URL,
			Headers:   s.Headers,
			Token:     s.Token,
		})
	}
	return out
}

// authMiddleware builds the request auth wrapper, or nil when auth is
// disabled and no limiter is configured. With auth type "none" a noop
// authenticator supplies the anonymous identity the rate limiter keys on.
func authMiddleware(cfg config.AuthConfig) transport.Middleware {
	var chain *auth.Chain
	switch cfg.Type {
	case "none", "":
		if !cfg.RateLimit.Enabled {
			return nil
		}
		chain = &auth.Chain{
			Authenticators:  []auth.Authenticator{&noop.Authenticator{}},
			DefaultDecision: auth.Yes,
		}
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, apikey.Key{
				Secret:   k.Key,
				Subject:  k.Subject,
				Tier:     k.ServiceTier,
				TenantID: k.TenantID,
			})
		}
		chain = &auth.Chain{
			Authenticators:  []auth.Authenticator{apikey.New(keys)},
			DefaultDecision: auth.No,
		}
	case "jwt":
		chain = &auth.Chain{
			Authenticators: []auth.Authenticator{authjwt.New(authjwt.Config{
				Issuer:   cfg.JWT.Issuer,
				Audience: cfg.JWT.Audience,
				JWKSURL:  cfg.JWT.JWKSURL,
			})},
			DefaultDecision: auth.No,
		}
	default:
		return nil
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.Enabled {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for tier, rpm := range cfg.RateLimit.Tiers {
			tiers[tier] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.RateLimit.DefaultRPM)
	}

	return transport.Middleware(auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints))
}
