package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/farodb/internal/config"
	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	"github.com/dropDatabas3/farodb/internal/server"
	"github.com/dropDatabas3/farodb/internal/transport"
)

// version se pisa en build con -ldflags "-X main.version=..."
var version = "dev"

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func main() {
	var (
		flagConfigPath = flag.String("config", "", "ruta a farod.yaml (fallback: $FARO_CONFIG o configs/farod.yaml)")
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env (si existe, se carga)")
		flagVersion    = flag.Bool("version", false, "imprime la versión y termina")
	)
	flag.Parse()

	if *flagVersion {
		log.Printf("farod %s", version)
		return
	}

	if *flagEnvFile != "" && fileExists(*flagEnvFile) {
		if err := godotenv.Load(*flagEnvFile); err == nil {
			log.Printf("dotenv: cargado %s", *flagEnvFile)
		}
	}

	cfgPath := *flagConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("FARO_CONFIG")
	}
	if cfgPath == "" {
		if fileExists("configs/farod.yaml") {
			cfgPath = "configs/farod.yaml"
		} else {
			cfgPath = "configs/farod.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{
		Env:     cfg.App.Env,
		Level:   os.Getenv("FARO_LOG_LEVEL"),
		Node:    cfg.Cluster.SelfTag,
		Version: version,
	})
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("farod")

	if cfg.Metrics.Enabled {
		for _, register := range []func() error{
			func() error { return metrics.RegisterHTTP(nil) },
			func() error { return metrics.RegisterRaft(nil) },
			func() error { return metrics.RegisterCoordination(nil) },
		} {
			if err := register(); err != nil {
				lg.Fatal("registrando métricas", logger.Err(err))
			}
		}
	}

	st := server.New(cfg, version)
	if err := st.Initialize(context.Background()); err != nil {
		lg.Fatal("el nodo no pudo arrancar", logger.Err(err))
	}

	h := transport.NewHandler(st, cfg.Cluster.Secret, cfg.Server.AdminKey)
	router := transport.NewRouter(h, transport.RouterOptions{MetricsEnabled: cfg.Metrics.Enabled})
	srv := transport.NewServer(
		cfg.Server.Addr,
		router,
		config.Dur(cfg.Server.ReadTimeout, 15*time.Second),
		config.Dur(cfg.Server.WriteTimeout, 30*time.Second),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			lg.Error("la API HTTP se cayó", logger.Err(err))
			exitCode = 1
		}
	case sig := <-stop:
		lg.Info("señal recibida, apagado prolijo", logger.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("apagando la API HTTP", logger.Err(err))
		}
		cancel()
	}

	if err := st.Dispose(context.Background()); err != nil {
		lg.Error("apagado con errores", logger.Err(err))
		exitCode = 1
	}
	lg.Info("farod detenido", logger.NodeTag(cfg.Cluster.SelfTag))
	_ = logger.Sync()
	os.Exit(exitCode)
}
