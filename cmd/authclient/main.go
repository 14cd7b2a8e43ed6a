package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/internal/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("authclient failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authclient",
		Short:         "Session client for the identity API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.AddCommand(serveFakeCmd(), watchCmd(), signalLogoutCmd())
	return root
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	closer := logging.Setup(cfg)
	return cfg, func() { _ = closer.Close() }, nil
}

func listenAndServe(server *http.Server) {
	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", server.Addr).Msg("server.ListenAndServe")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server.Shutdown")
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
