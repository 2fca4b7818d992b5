package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vpsdeck/vpsdeck/internal/command"
	"github.com/vpsdeck/vpsdeck/internal/config"
	"github.com/vpsdeck/vpsdeck/internal/files"
	"github.com/vpsdeck/vpsdeck/internal/gateway"
	"github.com/vpsdeck/vpsdeck/internal/server"
	"github.com/vpsdeck/vpsdeck/internal/transport"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the embedded HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = cfg.Port
			}
			if port == 0 {
				return errors.New("serve: a port is required (--port or VPSDECK_PORT)")
			}
			return runServe(cfg, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	return cmd
}

func runServe(cfg *config.Config, port int) error {
	session := transport.NewManager(transport.DefaultReconnectPolicy())
	fileSvc := files.NewService(session, cfg.FileIOTimeout)
	cmdSvc := command.NewService(session, cfg.CommandTimeout, log.Logger)
	gw := gateway.New(session, fileSvc, cmdSvc, nil, log.Logger)

	// credentials handed down by the supervising shell, if any
	if creds, ok := config.CredentialsFromEnv(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		info, err := gw.Connect(ctx, creds)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("host", creds.Host).Msg("initial connect failed, serving disconnected")
		} else {
			log.Info().Str("host", info.Host).Str("user", info.User).Msg("remote session established")
		}
	}

	srv := server.New(cfg, gw)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	gw.Disconnect()
	return nil
}
