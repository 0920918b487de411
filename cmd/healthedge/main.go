package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"healthedge/internal/healthedge"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("HEALTHEDGE_CONFIG", "/healthedge.yaml"), "path to healthedge.yaml")
	flag.Parse()

	cfg, err := healthedge.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	svc, err := healthedge.NewService(cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	// Stand-in for the UI status surface.
	svc.Events().Subscribe(func(ev healthedge.Event) {
		switch {
		case ev.State != nil:
			log.Printf("event: %s online=%t method=%s", ev.Name, ev.State.Overall, ev.State.Method)
		case ev.Message != "":
			log.Printf("event: %s %s", ev.Name, ev.Message)
		default:
			log.Printf("event: %s", ev.Name)
		}
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := svc.OnInstall(startCtx); err != nil {
		startCancel()
		log.Fatalf("install: %v", err)
	}
	if err := svc.OnActivate(startCtx); err != nil {
		startCancel()
		log.Fatalf("activate: %v", err)
	}
	startCancel()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("healthedge listening on %s, origin=%s, version=%s", addr, cfg.Server.Origin, cfg.App.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
