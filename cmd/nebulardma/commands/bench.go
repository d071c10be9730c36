package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulardma/internal/bench"
	"github.com/piwi3910/nebulardma/internal/config"
	"github.com/piwi3910/nebulardma/internal/health"
	"github.com/piwi3910/nebulardma/internal/session"
)

// Benchmark roles as named on the command line.
const (
	benchMaster = "master"
	benchSlave  = "slave"
)

// NewBenchCmd creates the bench command
func NewBenchCmd() *cobra.Command {
	var (
		role       string
		loop       bool
		maxSize    int
		iterations int
		single     bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure latency and bandwidth between two peers",
		Long: `Measure send, write and read latency and write bandwidth over one
connection. The master listens and answers; the slave dials the master,
drives every phase and prints the results.

  nebulardma bench --role master
  nebulardma bench --role slave --master-ip 10.0.0.1
  nebulardma bench --loopback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgRole := config.RoleAccepting

			switch strings.ToLower(role) {
			case benchMaster:
			case benchSlave:
				cfgRole = config.RoleInitiating
			default:
				return fmt.Errorf("unknown bench role %q, want %q or %q", role, benchMaster, benchSlave)
			}

			cfg, err := loadConfig(cfgRole)
			if err != nil {
				return err
			}

			opts := cfg.BenchOptions()
			if cmd.Flags().Changed("max-size") {
				opts.MaxMessageSize = maxSize
			}
			if cmd.Flags().Changed("iterations") {
				opts.Iterations = iterations
			}
			if cmd.Flags().Changed("single-block") {
				opts.SingleBlock = single
			}

			ctx, cancel := signalContext()
			defer cancel()

			checker := startMetrics(ctx, cfg)

			var results []bench.Result

			if loop {
				results, err = benchLoopback(ctx, cfg, checker, opts)
			} else {
				results, err = benchRemote(ctx, cfg, checker, opts)
			}

			if err != nil {
				return err
			}

			for _, r := range results {
				fmt.Fprintln(os.Stdout, r)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", benchMaster, "Benchmark role: master or slave")
	cmd.Flags().BoolVar(&loop, "loopback", false, "Run master and slave in-process on the simulated fabric")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "Largest message size in bytes")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Operations per measurement")
	cmd.Flags().BoolVar(&single, "single-block", false, "Add a bandwidth pass writing from one block")

	return cmd
}

// connectBench runs s up to the connected state.
func connectBench(ctx context.Context, s *session.Session) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	return s.Connect(ctx)
}

func benchRemote(ctx context.Context, cfg *config.Config, checker *health.Checker, opts bench.Options) ([]bench.Result, error) {
	mgr, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	var role session.Role = session.NewAccepting(cfg.Address(), 1).WithTOS(cfg.Link.TOS)
	if cfg.Role == config.RoleInitiating {
		role = session.NewInitiating(cfg.Address(), cfg.DialOptions())
	}

	s := session.New(cfg.SessionID, mgr, cfg.AdapterConfig(), bench.Role{Role: role}, cfg.SessionOptions()...)
	defer s.Close()

	checker.Register(s.String(), s)

	if err := connectBench(ctx, s); err != nil {
		return nil, err
	}

	ep := s.EndPoints()[0]

	if cfg.Role == config.RoleAccepting {
		srv, err := bench.NewServer(ep, opts)
		if err != nil {
			return nil, err
		}

		return nil, srv.Run(ctx)
	}

	cli, err := bench.NewClient(ep, opts)
	if err != nil {
		return nil, err
	}

	return cli.Run(ctx)
}

func benchLoopback(ctx context.Context, cfg *config.Config, checker *health.Checker, opts bench.Options) ([]bench.Result, error) {
	sessions, cleanup, err := pairUp(ctx, cfg, checker, 1, func(r session.Role) session.Role { return bench.Role{Role: r} })
	defer cleanup()

	if err != nil {
		return nil, err
	}

	for _, s := range sessions {
		defer s.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return connectBench(gctx, s) })
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	srv, err := bench.NewServer(sessions[0].EndPoints()[0], opts)
	if err != nil {
		return nil, err
	}

	cli, err := bench.NewClient(sessions[1].EndPoints()[0], opts)
	if err != nil {
		return nil, err
	}

	var results []bench.Result

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		var err error
		results, err = cli.Run(gctx)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info().Int("results", len(results)).Msg("Loopback benchmark finished")

	return results, nil
}
