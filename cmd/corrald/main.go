// Command corrald is the corral instance manager server. It provisions
// sandboxed Wine containers on demand and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corral/internal/api"
	"corral/internal/audit"
	"corral/internal/config"
	"corral/internal/instance"
	"corral/internal/manager"
	"corral/internal/metrics"
	"corral/internal/ports"
	"corral/internal/registry"
	"corral/internal/runtime"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the server configuration file")
	watch := flag.Bool("watch", true, "Reload instance limits when the configuration file changes")
	flag.Parse()

	logger := log.New(os.Stdout, "[corrald] ", log.LstdFlags|log.Lmsgprefix)

	cfg, created, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corrald: load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		logger.Printf("wrote default configuration to %s", *configPath)
	}
	if cfg.API.EnableAuth {
		logger.Printf("warning: api.enable_auth is set but authentication is not implemented")
	}

	if err := run(cfg, *configPath, *watch, logger); err != nil {
		fmt.Fprintf(os.Stderr, "corrald: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, watch bool, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewDocker(runtime.DockerConfig{
		StopTimeout: cfg.Docker.StopTimeout,
		Logger:      log.New(os.Stdout, "[docker] ", log.LstdFlags|log.Lmsgprefix),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Ping(ctx); err != nil {
		logger.Printf("warning: container runtime not reachable: %v", err)
	}

	auditLog, err := audit.NewLogger(cfg.Server.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	rdp, console, xpra := cfg.PortRanges()
	reg := registry.New(ports.NewPool(rdp, console, xpra))
	m := metrics.New(reg)
	payloads := instance.NewPayloadStore(cfg.Instances.PayloadDir, cfg.Docker.ContainerPrefix,
		log.New(os.Stdout, "[payload] ", log.LstdFlags|log.Lmsgprefix))

	mgr := manager.New(manager.Config{
		Image:            cfg.Docker.Image,
		ContainerPrefix:  cfg.Docker.ContainerPrefix,
		PayloadMountPath: cfg.Docker.PayloadMountPath,
		Platform:         cfg.Docker.Platform,
		MaxInstances:     cfg.Instances.MaxInstances,
		DefaultCPULimit:  cfg.Instances.DefaultCPULimit,
		ProvisionWorkers: cfg.Instances.ProvisionWorkers,
		LogTail:          cfg.Instances.LogTail,
		Audit:            auditLog,
		Metrics:          m,
	}, rt, reg, payloads)

	// Recovery failures degrade to an empty registry. Payloads are only
	// swept once the runtime has said which containers exist.
	report, err := mgr.Recover(ctx)
	if err != nil {
		logger.Printf("warning: recovery failed, starting with no instances: %v", err)
	} else {
		logger.Printf("recovered %d instances", report.Recovered)
		for _, s := range report.Skipped {
			logger.Printf("warning: recovery skipped %s (%s): %s", s.Name, s.ContainerID, s.Reason)
		}
		if n, err := mgr.CleanOrphanedPayloads(); err != nil {
			logger.Printf("warning: clean orphaned payloads: %v", err)
		} else if n > 0 {
			logger.Printf("removed %d orphaned payload files", n)
		}
	}

	if watch {
		w, err := config.NewWatcher(configPath, cfg, log.New(os.Stdout, "[config] ", log.LstdFlags|log.Lmsgprefix))
		if err != nil {
			return err
		}
		current := cfg
		w.OnReload(func(next *config.Config) {
			mgr.SetLimits(next.Instances.MaxInstances, next.Instances.DefaultCPULimit)
			if changed := config.RestartRequired(current, next); len(changed) > 0 {
				logger.Printf("config change to %v requires a restart to take effect", changed)
			}
			current = next
		})
		if err := w.Start(ctx); err != nil {
			logger.Printf("warning: config hot reload disabled: %v", err)
		} else {
			defer w.Stop()
		}
	}

	srv := api.New(mgr, api.Config{
		Addr:         cfg.Server.ListenAddress,
		PublicHost:   cfg.Server.PublicHost,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AuditPath:    auditLog.Path(),
		Metrics:      m.Handler(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Printf("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("warning: http shutdown: %v", err)
	}
	mgr.Wait()
	return nil
}
