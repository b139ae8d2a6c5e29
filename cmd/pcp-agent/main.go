package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	pcp "github.com/puppetlabs/pcp-client-go"
	"github.com/puppetlabs/pcp-client-go/identity"
	"github.com/puppetlabs/pcp-client-go/internal/config"
	"github.com/puppetlabs/pcp-client-go/wire"
)

const (
	serviceName        = "PCPAgent"
	serviceDisplayName = "PCP Agent"
	serviceDescription = "Puppet Communications Protocol client: connection lifecycle, Session Association, and a keep-alive Monitor Task"
)

// agentService implements kardianos/service.Interface for OS service lifecycle.
type agentService struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (a *agentService) Start(s service.Service) error {
	go a.run()
	return nil
}

func (a *agentService) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *agentService) run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := runAgent(ctx, a.cfg); err != nil {
		slog.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{},
	}

	ag := &agentService{cfg: cfg}
	svc, err := service.New(ag, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting agent in foreground mode")
		if err := runAgent(ctx, cfg); err != nil {
			slog.Error("agent exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println("PCP Agent is running. Press Ctrl+C to stop.")
			if err := runAgent(ctx, cfg); err != nil {
				slog.Error("agent error", "error", err)
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runAgent builds the client identity and Connector, registers the
// inventory exchange, connects, and runs the Monitor Task until ctx is
// canceled.
func runAgent(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting PCP agent", "client_type", cfg.ClientType, "protocol", cfg.Protocol, "brokers", cfg.Brokers)

	id, err := identity.Load(cfg.ClientType, cfg.CAPath, cfg.CertPath, cfg.KeyPath, cfg.CRLPath, cfg.ProxyURI, cfg.Timeouts())
	if err != nil {
		return fmt.Errorf("loading client identity: %w", err)
	}
	slog.Info("loaded client identity", "common_name", id.CommonName, "uri", id.URI)

	var conn *pcp.Connector
	if cfg.Protocol == "v2" {
		conn, err = pcp.NewV2(cfg.Brokers, id)
	} else {
		conn, err = pcp.NewV1(cfg.Brokers, id)
	}
	if err != nil {
		return fmt.Errorf("building connector: %w", err)
	}

	if err := conn.RegisterCallback(pcp.InventoryResponseSchema(), func(msg wire.ParsedMessage) {
		slog.Info("received inventory_response", "sender", msg.Envelope.Sender, "id", msg.Envelope.ID)
	}); err != nil {
		return fmt.Errorf("registering inventory_response handler: %w", err)
	}

	conn.SetErrorCallback(func(msg wire.ParsedMessage) {
		slog.Warn("received error_message", "sender", msg.Envelope.Sender, "id", msg.Envelope.ID)
	})

	if err := conn.Connect(ctx, cfg.MonitorMaxAttempts); err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	slog.Info("connected", "is_associated", conn.IsAssociated())

	if err := conn.StartMonitoring(cfg.MonitorMaxAttempts, cfg.MonitorCheckInterval); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return conn.StopMonitoring()
}

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
