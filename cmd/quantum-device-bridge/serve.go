package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/quantum-device-bridge/internal/backend"
	"github.com/quantumauth-io/quantum-device-bridge/internal/bridge"
	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/devicekit"
	"github.com/quantumauth-io/quantum-device-bridge/internal/helpers"
	bridgehttp "github.com/quantumauth-io/quantum-device-bridge/internal/http"
	"github.com/quantumauth-io/quantum-device-bridge/internal/keyring"
	"github.com/quantumauth-io/quantum-device-bridge/internal/tpm"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge on the loopback interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, confirm)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "ask on the terminal before the device performs an action")
	return cmd
}

// terminalConfirmer asks on stdin, one prompt at a time.
func terminalConfirmer() devicekit.Confirmer {
	var mu sync.Mutex
	return devicekit.ConfirmFunc(func(ctx context.Context, p devicekit.Prompt) error {
		mu.Lock()
		defer mu.Unlock()
		ok, err := helpers.PromptYesNo(os.Stdin, fmt.Sprintf("Device asks: %s (%s) [y/N] ", p.Interaction, p.Action.Type))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("refused on terminal")
		}
		return nil
	})
}

func serve(parent context.Context, opts *rootOptions, confirm bool) error {
	if parent == nil {
		parent = context.Background()
	}
	log.Info("quantum-device-bridge",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg.Bridge

	rt, err := tpm.Open(ctx, passphrase())
	if err != nil {
		return errors.Wrap(err, "open sealer")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("TPM close failed", "error", err)
		}
	}()

	store, err := devicekit.NewStore(rt.Sealer)
	if err != nil {
		return err
	}
	key, err := store.Ensure(ctx)
	if err != nil {
		return errors.Wrap(err, "device key")
	}
	deviceOpts := []devicekit.Option{devicekit.WithName(cfg.DeviceName)}
	if confirm {
		deviceOpts = append(deviceOpts, devicekit.WithConfirmer(terminalConfirmer()))
	}
	device := devicekit.New(key, deviceOpts...)
	log.Info("device ready", "address", key.Address().Hex(), "name", device.Name())

	var keyringOpts []keyring.Option
	if rt.Client != nil {
		keyringOpts = append(keyringOpts, keyring.WithAttestor(rt.Client))
	}
	kr := keyring.NewClient(cfg.ServerURL, device, keyringOpts...)

	credBackend, err := credentials.DefaultFileBackend()
	if err != nil {
		return err
	}

	deps := bridge.Deps{
		Backend:  credBackend,
		Sealer:   rt.Sealer,
		Keyring:  kr,
		Device:   device,
		Rejected: func(err error) bool { return errors.Is(err, keyring.ErrRejected) },
	}
	if cfg.NodeURL != "" {
		node, err := backend.Dial(ctx, cfg.NodeURL)
		if err != nil {
			return err
		}
		defer node.Close()
		if node.ChainID() != cfg.ChainID {
			log.Warn("node chain differs from configured chain", "node", node.ChainID(), "configured", cfg.ChainID)
		}
		deps.Broadcaster = node
		deps.Head = node
	} else {
		log.Warn("no node configured, chain reads are unavailable")
	}

	b, err := bridge.New(bridge.Config{
		ChainID:          cfg.ChainID,
		TrustChainTTL:    opts.cfg.TrustChainTTL(),
		HeadPollInterval: opts.cfg.HeadPollInterval(),
	}, deps)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("bridge close failed", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.LocalHost, cfg.Port),
		Handler:           bridgehttp.NewServer(b, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Wrap(err, "HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
	return nil
}
