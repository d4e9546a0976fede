package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/harbor-cache/regcache/internal/admin"
	"github.com/harbor-cache/regcache/internal/config"
	"github.com/harbor-cache/regcache/internal/dbconn"
	"github.com/harbor-cache/regcache/internal/fetch"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/index/evict"
	"github.com/harbor-cache/regcache/internal/proxy"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/storage"
	"github.com/harbor-cache/regcache/internal/storage/local"
	"github.com/harbor-cache/regcache/internal/storage/s3"
	"github.com/harbor-cache/regcache/internal/tlsgen"
	"github.com/harbor-cache/regcache/internal/upload"
	"github.com/harbor-cache/regcache/internal/upstream"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: regcache -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	configPath := flag.String("config", "", "path to YAML config file (overrides REGCACHE_CONFIG)")
	adminAddr := flag.String("admin-addr", "", "bind address for the admin HTTP surface (disabled if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(cfg.Upstreams) == 0 {
		fmt.Fprintln(os.Stderr, "at least one upstream must be configured")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		log.Error("failed to construct storage backend", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	db, err := dbconn.Open(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open index database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	idx, err := index.Open(db)
	if err != nil {
		log.Error("failed to open cache index", "error", err)
		os.Exit(1)
	}

	rt, err := router.New(cfg.Upstreams)
	if err != nil {
		log.Error("failed to build upstream router", "error", err)
		os.Exit(1)
	}

	// A client is constructed for every configured upstream, disabled
	// ones included: their cached entries stay servable from the index
	// (router.New keeps their routes compiled too), and reads still
	// fetch through to origin on a miss. Only write methods are refused
	// for a disabled upstream, in Handler.ServeHTTP.
	clients := make(map[string]*upstream.Client, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		clients[u.Name] = upstream.NewClient(u)
	}

	uploads := upload.NewManager(backend, cfg.UploadSessionTTL)
	go uploads.Run(ctx, time.Minute)

	fetcher := fetch.New(backend)

	sweeper := evict.New(idx, backend, cfg.Cache, log)
	go sweeper.Run(ctx)

	handler := proxy.NewHandler(proxy.Handler{
		Router:      rt,
		Storage:     backend,
		Index:       idx,
		Uploads:     uploads,
		Fetcher:     fetcher,
		Clients:     clients,
		MaxBodySize: cfg.MaxBodySize,
	})
	logged := proxy.LoggingMiddleware(handler)

	if *adminAddr != "" {
		ops := &admin.Operations{Index: idx, Storage: backend, Sweeper: sweeper}
		go func() {
			log.Info("starting admin listener", "addr", *adminAddr)
			if err := http.ListenAndServe(*adminAddr, admin.Mux(ops)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin listener error", "error", err)
			}
		}()
	}

	var server *http.Server
	if cfg.GenerateSelfSignedTLS || cfg.TLS.Enabled {
		cert, err := loadOrGenerateCert(cfg.TLS)
		if err != nil {
			log.Error("failed to prepare TLS certificate", "error", err)
			os.Exit(1)
		}
		server = &http.Server{
			Addr:      cfg.Server.Addr(),
			Handler:   logged,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	} else {
		h2s := &http2.Server{}
		server = &http.Server{
			Addr:    cfg.Server.Addr(),
			Handler: h2c.NewHandler(logged, h2s),
		}
	}

	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr(), "upstreams", len(clients), "tls", cfg.TLS.Enabled || cfg.GenerateSelfSignedTLS, "backend", cfg.Storage.Backend)
		var err error
		if cfg.GenerateSelfSignedTLS || cfg.TLS.Enabled {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func newBackend(ctx context.Context, cfg config.Storage) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			AllowHTTP: cfg.S3.AllowHTTP,
		})
	case config.BackendLocal:
		b := local.New(cfg.Local.Path)
		if err := b.Init(); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// loadOrGenerateCert returns a file-based certificate when CertPath/KeyPath
// are set, otherwise a freshly generated self-signed one.
func loadOrGenerateCert(cfg config.TLS) (tls.Certificate, error) {
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		return tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	}
	slog.Info("generating self-signed TLS certificate")
	return tlsgen.SelfSignedCert()
}
