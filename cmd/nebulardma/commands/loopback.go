package commands

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/device"
	"github.com/piwi3910/nebulardma/internal/health"
	"github.com/piwi3910/nebulardma/internal/session"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// NewLoopbackCmd creates the loopback command
func NewLoopbackCmd() *cobra.Command {
	var (
		peers    int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run both roles in-process on the simulated fabric",
		Long: `Run an accepting session and its initiating peers in one process over
the simulated fabric and report how many completions the self-test handled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.RoleAccepting)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			checker := startMetrics(ctx, cfg)

			n, err := loopback(ctx, cfg, checker, peers, duration)
			if err != nil {
				return err
			}

			fmt.Printf("%s completions handled by %d sessions in %s\n", humanize.Comma(n), peers+1, duration)

			return nil
		},
	}

	cmd.Flags().IntVar(&peers, "peers", 1, "Number of initiating peers")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "How long to run the self-test")

	return cmd
}

// countCompletions wraps every completion handler of h with a counter.
func countCompletions(h session.Handlers, n *atomic.Int64) session.Handlers {
	wrap := func(fn session.CompletionFunc) session.CompletionFunc {
		return func(ctx context.Context, s *session.Session, ch *channel.Channel, wc *verbs.WorkCompletion) error {
			n.Add(1)

			return fn(ctx, s, ch, wc)
		}
	}

	return session.Handlers{
		SendDone:        wrap(h.SendDone),
		RecvDone:        wrap(h.RecvDone),
		RecvWithImmDone: wrap(h.RecvWithImmDone),
		WriteDone:       wrap(h.WriteDone),
		ReadDone:        wrap(h.ReadDone),
	}
}

// pairUp builds an accepting session on a loopback listener and peers
// initiating sessions dialing it, each host on its own manager over one
// simulated fabric. wrap adjusts each role and every session is registered
// with checker.
func pairUp(ctx context.Context, cfg *config.Config, checker *health.Checker, peers int, wrap func(session.Role) session.Role, opts ...session.Option) ([]*session.Session, func(), error) {
	fabric := verbs.NewFabric()

	var managers []*device.Manager
	cleanup := func() {
		for _, m := range managers {
			_ = m.Close()
		}
	}

	manager := func() *device.Manager {
		m := device.NewManager(fabric.NewBackend())
		managers = append(managers, m)

		return m
	}

	accepting := session.NewAccepting("127.0.0.1:0", peers).WithTOS(cfg.Link.TOS)

	addr, err := accepting.Listen(ctx)
	if err != nil {
		return nil, cleanup, err
	}

	adapterCfg := cfg.AdapterConfig()
	opts = append(cfg.SessionOptions(), opts...)

	sessions := []*session.Session{
		session.New(cfg.SessionID, manager(), adapterCfg, wrap(accepting), opts...),
	}

	for i := range peers {
		role := session.NewInitiating(addr.String(), cfg.DialOptions())
		id := fmt.Sprintf("%s-peer%d", cfg.SessionID, i)
		sessions = append(sessions, session.New(id, manager(), adapterCfg, wrap(role), opts...))
	}

	for _, s := range sessions {
		checker.Register(s.String(), s)
	}

	return sessions, cleanup, nil
}

func loopback(ctx context.Context, cfg *config.Config, checker *health.Checker, peers int, duration time.Duration) (int64, error) {
	var handled atomic.Int64

	sessions, cleanup, err := pairUp(ctx, cfg, checker, peers,
		func(r session.Role) session.Role { return r },
		session.WithHandlers(countCompletions(session.SelfTest(), &handled)))
	defer cleanup()

	if err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g := new(errgroup.Group)
	for _, s := range sessions {
		g.Go(func() error { return runSession(runCtx, s) })
	}

	if err := g.Wait(); err != nil {
		return handled.Load(), err
	}

	log.Info().Int64("completions", handled.Load()).Msg("Loopback self-test finished")

	return handled.Load(), nil
}
