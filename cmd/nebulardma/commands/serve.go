package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/session"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var peers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and run the connection self-test until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.opts.Peers = peers

			cfg, err := loadConfig(config.RoleAccepting)
			if err != nil {
				return err
			}

			mgr, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			ctx, cancel := signalContext()
			defer cancel()

			checker := startMetrics(ctx, cfg)

			log.Info().
				Str("session", cfg.SessionID).
				Str("address", cfg.Address()).
				Int("peers", cfg.Peers).
				Msg("Starting accepting session")

			role := session.NewAccepting(cfg.Address(), cfg.Peers).WithTOS(cfg.Link.TOS)
			s := session.New(cfg.SessionID, mgr, cfg.AdapterConfig(), role, cfg.SessionOptions()...)
			checker.Register(s.String(), s)

			if err := runSession(ctx, s); err != nil {
				return err
			}

			log.Info().Msg("Accepting session shutdown complete")

			return nil
		},
	}

	cmd.Flags().IntVar(&peers, "peers", 0, "Number of peers to accept (default 1)")

	return cmd
}
