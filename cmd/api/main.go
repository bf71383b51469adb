package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"modelhub.org/internal/apikey"
	"modelhub.org/internal/auth"
	"modelhub.org/internal/config"
	"modelhub.org/internal/federation"
	"modelhub.org/internal/grpcauth"
	"modelhub.org/internal/httpapi"
	"modelhub.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Configuration problems are fatal before serving, never per-request.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		db       *sql.DB
		accounts auth.AccountStore
		keyStore apikey.Store
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		accounts = auth.NewPGAccountStore(db)
		keyStore = apikey.NewPGStore(db)
	} else {
		log.Printf("no %s configured, using in-memory stores (dev mode)", "MODELHUB_PG_DSN")
		accounts = auth.NewMemAccountStore()
		keyStore = apikey.NewMemStore()
	}

	tokens, err := auth.NewTokenService(cfg.AuthSecret, accounts,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	keys, err := apikey.NewManager(keyStore,
		apikey.WithAccounts(accounts),
		apikey.WithWindow(cfg.KeyRateWindow),
	)
	if err != nil {
		log.Fatalf("api key manager: %v", err)
	}

	var fed *federation.Adapter
	if len(cfg.Providers) > 0 {
		fed, err = federation.NewAdapter(cfg.Providers)
		if err != nil {
			log.Fatalf("federation: %v", err)
		}
	}

	api := httpapi.New(httpapi.Options{
		Tokens:     tokens,
		Keys:       keys,
		Accounts:   accounts,
		Federation: fed,
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		BcryptCost: cfg.BcryptCost,
	})

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		interceptor := grpcauth.NewInterceptor(tokens, keys,
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
		)
		grpcSrv = grpc.NewServer(
			grpc.UnaryInterceptor(interceptor.Unary()),
			grpc.StreamInterceptor(interceptor.Stream()),
		)
		healthpb.RegisterHealthServer(grpcSrv, health.NewServer())

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		log.Printf("Starting gRPC on %s", cfg.GRPCAddr)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting modelhub-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
