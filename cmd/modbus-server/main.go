// Command modbus-server runs a demo Modbus/TCP peripheral bound to a named
// service on an overlay network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus"
	"github.com/crazyfrankie/zmodbus/contrib/tracing"
	"github.com/crazyfrankie/zmodbus/internal/admin"
	"github.com/crazyfrankie/zmodbus/internal/config"
	"github.com/crazyfrankie/zmodbus/internal/identity"
	"github.com/crazyfrankie/zmodbus/internal/logger"
	"github.com/crazyfrankie/zmodbus/stats/metrics"
	"github.com/crazyfrankie/zmodbus/transport"
	"github.com/crazyfrankie/zmodbus/transport/etcd"
	"github.com/crazyfrankie/zmodbus/transport/ziti"
)

var (
	configPath   = flag.String("c", "", "optional TOML config file")
	identityFile = flag.String("i", "", "optional identity file")
	aperitivoURL = flag.String("a", identity.DefaultAperitivoURL, "optional Aperitivo url for acquiring an identity")
	serviceName  = flag.String("s", "", "service to bind (default <identity>-modbus)")
	terminatorID = flag.String("identity", "", "optional terminator identity alias")
	transportArg = flag.String("t", config.TransportZiti, "transport: ziti or etcd")
	adminAddr    = flag.String("admin", "", "optional admin HTTP listen address")
	logLevel     = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "modbus-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	restore, err := logger.Init("modbus-server", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer restore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, service, err := openTransport(ctx, &cfg)
	if err != nil {
		return err
	}

	opts := []zmodbus.ServerOption{
		zmodbus.WithHandlers(zmodbus.DemoHandlers(nil)),
		zmodbus.WithReadTimeout(cfg.ReadTimeout),
		zmodbus.WithWriteTimeout(cfg.WriteTimeout),
		zmodbus.WithExceptionPolicy(policyOf(cfg)),
		zmodbus.WithStatsHandler(metrics.Default()),
	}
	if cfg.Tracing {
		opts = append(opts, zmodbus.WithStatsHandler(tracing.NewServerHandler()))
	}
	srv := zmodbus.NewServer(t, opts...)

	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.AdminAddr, srv, nil)
		go func() {
			if err := adm.ListenAndServe(); err != nil {
				zap.L().Error("admin server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adm.Shutdown(sctx)
		}()
	}

	var bindOpts []transport.BindOption
	if cfg.TerminatorIdentity != "" {
		bindOpts = append(bindOpts, transport.WithIdentity(cfg.TerminatorIdentity))
	}

	zap.L().Info("starting modbus server",
		zap.String("service", service),
		zap.String("transport", t.Name()),
		zap.Stringer("exception_policy", policyOf(cfg)),
	)
	err = srv.Serve(ctx, service, bindOpts...)
	if errors.Is(err, zmodbus.ErrTransportContextInvalid) && cfg.Transport == config.TransportZiti && cfg.IdentityFile == "" {
		zap.L().Error("the stored identity may have expired; delete it and try again", zap.String("file", identity.DefaultFile))
	}
	return err
}

// loadConfig overlays flags the user set on top of the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["i"] {
		cfg.IdentityFile = *identityFile
	}
	if set["a"] {
		cfg.AperitivoURL = *aperitivoURL
	}
	if set["s"] {
		cfg.Service = *serviceName
	}
	if set["identity"] {
		cfg.TerminatorIdentity = *terminatorID
	}
	if set["t"] {
		cfg.Transport = *transportArg
	}
	if set["admin"] {
		cfg.AdminAddr = *adminAddr
	}
	if set["log-level"] && os.Getenv(config.LogLevelEnv) == "" {
		cfg.LogLevel = *logLevel
	}

	return cfg, cfg.Validate()
}

func policyOf(cfg config.Config) zmodbus.ExceptionPolicy {
	if cfg.ExceptionPolicy == "exception" {
		return zmodbus.ReplyException
	}
	return zmodbus.SilentDrop
}

// openTransport creates the transport context and resolves the service name.
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, string, error) {
	switch cfg.Transport {
	case config.TransportEtcd:
		t, err := etcd.New(etcd.Config{
			Endpoints:     cfg.Etcd.Endpoints,
			ListenAddr:    cfg.Etcd.ListenAddr,
			AdvertiseAddr: cfg.Etcd.AdvertiseAddr,
			TTL:           cfg.Etcd.TTL,
			Prefix:        cfg.Etcd.Prefix,
		})
		if err != nil {
			return nil, "", err
		}
		return t, cfg.Service, nil
	}

	path, err := identity.NewBootstrapper(cfg.AperitivoURL).ObtainOrLoad(ctx, cfg.IdentityFile)
	if err != nil {
		return nil, "", err
	}
	zap.L().Info("loading identity", zap.String("file", path))

	t, err := ziti.NewFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", zmodbus.ErrTransportContextInvalid, err)
	}

	service := cfg.Service
	if service == "" {
		name, err := t.IdentityName()
		if err != nil {
			t.Close()
			return nil, "", err
		}
		service = identity.ServiceName(name)
	}
	return t, service, nil
}
