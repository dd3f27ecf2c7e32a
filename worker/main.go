package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guseggert/rconvert/internal/logging"
	"github.com/guseggert/rconvert/rpc"
)

// Worker exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfigError = 2
	// ExitBindFailure means the assigned port was taken by the time the worker tried to listen on it.
	ExitBindFailure = 3
)

var orphanCheckInterval = time.Second

// Main runs the worker registered under name with the given command line, and returns the exit code.
func Main(name string, args []string) int {
	f, ok := lookup(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "no worker entry %q\n", name)
		return ExitConfigError
	}

	app := &cli.App{
		Name:     name,
		Usage:    "rconvert conversion worker",
		HideHelp: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "The worker config (base64-encoded JSON).",
			},
		},
		// exit codes are handled below, not by the cli package
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(cctx *cli.Context) error {
			encoded := cctx.String("config")
			if encoded == "" {
				return cli.Exit("missing --config", ExitConfigError)
			}
			cfg, err := DecodeConfig(encoded)
			if err != nil {
				return cli.Exit(err.Error(), ExitConfigError)
			}
			if err := cfg.checkEnv(os.Getenv); err != nil {
				return cli.Exit(err.Error(), ExitConfigError)
			}
			return run(cctx.Context, cfg, f)
		},
	}

	err := app.Run(args)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(os.Stderr, "worker %s: %s\n", name, err)
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return exitCoder.ExitCode()
	}
	return ExitFailure
}

func run(ctx context.Context, cfg *Config, f ObjectFactory) error {
	l, err := logging.New(cfg.LogLevel)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}
	defer l.Sync()
	log := l.Sugar().Named("worker").With("job", cfg.JobID, "entry", cfg.Entry)

	if cfg.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimitMB << 20)
	}

	obj, err := f(cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}

	opts := []rpc.ServerOption{
		rpc.WithServerLogger(log),
		rpc.WithInstance(cfg.JobID),
	}
	if cfg.secure() {
		tlsConfig, err := rpc.ServerTLSConfig(cfg.CACertPEM, cfg.CertPEM, cfg.KeyPEM)
		if err != nil {
			return cli.Exit(err.Error(), ExitConfigError)
		}
		opts = append(opts, rpc.WithServerTLS(tlsConfig))
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RPCPort))
	server, err := rpc.Listen(obj, addr, opts...)
	if errors.Is(err, rpc.ErrBind) {
		return cli.Exit(err.Error(), ExitBindFailure)
	}
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()
	log.Debugw("serving", "Addr", addr, "MemoryLimitMB", cfg.MemoryLimitMB)

	ticker := time.NewTicker(orphanCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("signaled, shutting down")
			return nil
		case err := <-serveErr:
			return err
		case <-ticker.C:
			if orphaned(cfg.ParentPID) {
				log.Warnw("parent went away, shutting down", "ParentPID", cfg.ParentPID)
				return nil
			}
		}
	}
}

func orphaned(parentPID int) bool {
	return parentPID != 0 && os.Getppid() != parentPID
}
