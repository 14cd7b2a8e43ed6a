package main

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// signalLogoutCmd publishes a logout signal on the Redis broadcast, ending the
// session of every watcher subscribed to it.
func signalLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal-logout",
		Short: "Tell every connected client to end its session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
			defer cancel()

			rc := redis.NewClient(&redis.Options{Addr: cfg.GetRedisAddr()})
			defer rc.Close()

			b, err := broadcast.NewRedis(ctx, rc,
				broadcast.WithKey(cfg.GetLogoutKey()),
				broadcast.WithChannel(cfg.GetLogoutChannel()),
			)
			if err != nil {
				return errors.Wrap(err, "connect broadcast")
			}
			defer b.Close()

			sig := broadcast.LogoutSignal(b.Origin(), time.Now())
			if err := b.Publish(ctx, sig); err != nil {
				return err
			}
			log.Info().Str("origin", sig.Origin).Msg("logout signal published")
			return nil
		},
	}
}
