package main

import (
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-client/identity"
	"github.com/jrsteele09/go-auth-client/identity/identityfake"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveFakeFlags struct {
	addr      string
	accessTTL time.Duration
	email     string
	password  string
	role      string
	redis     bool
}

// serveFakeCmd runs the in-memory identity API for local development, with an
// optional embedded Redis for cross-process logout.
func serveFakeCmd() *cobra.Command {
	f := serveFakeFlags{}
	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run an in-memory identity API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeFake(f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", ":3000", "listen address")
	cmd.Flags().DurationVar(&f.accessTTL, "access-ttl", identityfake.DefaultAccessTTL, "access token lifetime")
	cmd.Flags().StringVar(&f.email, "email", "", "seed an account with this email")
	cmd.Flags().StringVar(&f.password, "password", "", "password of the seeded account")
	cmd.Flags().StringVar(&f.role, "role", string(identity.RoleUser), "role of the seeded account")
	cmd.Flags().BoolVar(&f.redis, "redis", false, "also run an embedded Redis for logout broadcast")
	return cmd
}

func runServeFake(f serveFakeFlags) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	displayAppname(cfg.GetAppName())

	svc := identityfake.NewService(identityfake.WithAccessTTL(f.accessTTL))
	if f.email != "" {
		id, err := svc.AddUser(f.email, f.password, identity.Role(f.role))
		if err != nil {
			return errors.Wrap(err, "seed account")
		}
		log.Info().Str("id", id.ID).Str("email", id.Email).Str("role", string(id.Role)).Msg("account seeded")
	}

	if f.redis {
		mr := miniredis.NewMiniRedis()
		if err := mr.StartAddr(cfg.GetRedisAddr()); err != nil {
			return errors.Wrapf(err, "start redis on %s", cfg.GetRedisAddr())
		}
		defer mr.Close()
		log.Info().Str("addr", mr.Addr()).Msg("embedded redis running")
	}

	ctx, stop := signalContext()
	defer stop()

	server := &http.Server{Addr: f.addr, Handler: svc, ReadHeaderTimeout: 10 * time.Second}
	go listenAndServe(server)
	<-ctx.Done()
	return shutdown(server)
}
