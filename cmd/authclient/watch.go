package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/jrsteele09/go-auth-client/client"
	"github.com/jrsteele09/go-auth-client/identity"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const passwordVar = "AUTH_PASSWORD"

type watchFlags struct {
	email       string
	password    string
	poll        time.Duration
	metricsAddr string
	logout      bool
}

// watchCmd keeps one session alive, printing every state change until
// interrupted. Several watchers sharing a Redis broadcast behave like tabs.
func watchCmd() *cobra.Command {
	f := watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Resume or open a session and follow its state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(f)
		},
	}
	cmd.Flags().StringVar(&f.email, "email", "", "log in with this email when no session can be resumed")
	cmd.Flags().StringVar(&f.password, "password", "", "password, defaults to $"+passwordVar)
	cmd.Flags().DurationVar(&f.poll, "poll", 30*time.Second, "interval between identity fetches, 0 disables")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.logout, "logout", true, "log out when interrupted")
	return cmd
}

func runWatch(f watchFlags) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signalContext()
	defer stop()

	c, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	c.OnStateChange(func(s session.State, id *identity.Identity) {
		who := utils.Value(id)
		log.Info().Str("state", s.String()).Str("email", who.Email).Str("role", string(who.Role)).Msg("session state")
	})

	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.Metrics().Handler())
		server := &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go listenAndServe(server)
		defer shutdown(server)
	}

	if err := c.Activate(ctx); err != nil {
		return err
	}
	if c.State() != session.Authenticated && f.email != "" {
		password := f.password
		if password == "" {
			password = config.GetEnv(passwordVar, "")
		}
		if _, err := c.SubmitLogin(ctx, identity.Credentials{Email: f.email, Password: password}); err != nil {
			return err
		}
	}

	poll(ctx, c, f.poll)

	if f.logout && c.State() == session.Authenticated {
		logoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.RequestLogout(logoutCtx); err != nil {
			log.Warn().Err(err).Msg("server logout failed, local session ended")
		}
	}
	return nil
}

// poll fetches the identity through the request pipeline every interval so
// expiry and renewal are exercised, until ctx is done.
func poll(ctx context.Context, c *client.Client, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != session.Authenticated {
			continue
		}
		id, err := c.Identity().FetchIdentity(ctx)
		switch {
		case err == nil:
			log.Debug().Str("email", id.Email).Msg("identity fetched")
		case autherrors.IsTerminal(err):
			log.Warn().Err(err).Msg("session ended")
		default:
			log.Error().Err(err).Msg("identity fetch failed")
		}
	}
}
