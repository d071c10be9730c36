package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/session"
)

// NewConnectCmd creates the connect command
func NewConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to an accepting peer and run the connection self-test",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.RoleInitiating)
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
				Msg("Starting initiating session")

			role := session.NewInitiating(cfg.Address(), cfg.DialOptions())
			s := session.New(cfg.SessionID, mgr, cfg.AdapterConfig(), role, cfg.SessionOptions()...)
			checker.Register(s.String(), s)

			if err := runSession(ctx, s); err != nil {
				return err
			}

			log.Info().Msg("Initiating session shutdown complete")

			return nil
		},
	}
}
