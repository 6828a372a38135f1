package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"

	"github.com/rjsadow/pitcrew/internal/config"
	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/k8s"
	"github.com/rjsadow/pitcrew/internal/maintenance"
	"github.com/rjsadow/pitcrew/internal/runner"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// env supplies the collaborators commands run against.
type env struct {
	loadConfig func() (*config.Config, error)
	openDB     func(dbType, dsn string) (*db.DB, error)
	kubeClient func(kubeconfig string) (kubernetes.Interface, error)
}

func defaultEnv() env {
	return env{
		loadConfig: config.Load,
		openDB:     db.OpenDB,
		kubeClient: k8s.NewClient,
	}
}

// cli holds state shared by all subcommands.
type cli struct {
	env env
	out io.Writer

	dbType string
	dsn    string

	cfg *config.Config
}

func newRootCmd(e env) *cobra.Command {
	c := &cli{env: e}

	root := &cobra.Command{
		Use:           "pitcrewctl",
		Short:         "Manage pitcrew coaches and repair stored telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.env.loadConfig()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.out = cmd.OutOrStdout()
			slog.SetDefault(cfg.NewLogger(cmd.ErrOrStderr()))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.dbType, "db-type", "", "Database type: sqlite or postgres (default from PITCREW_DB_TYPE)")
	root.PersistentFlags().StringVar(&c.dsn, "dsn", "", "Database DSN (default from PITCREW_DB / PITCREW_DB_DSN)")

	root.AddCommand(c.coachCmd(), c.driversCmd(), c.maintenanceCmd())
	return root
}

func (c *cli) openDB() (*db.DB, error) {
	dbType, dsn := c.cfg.DBType, c.cfg.DSN()
	if c.dbType != "" {
		dbType = c.dbType
	}
	if c.dsn != "" {
		dsn = c.dsn
	}
	database, err := c.env.openDB(dbType, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func (c *cli) backend() (*runner.KubernetesRunner, error) {
	client, err := c.env.kubeClient(c.cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return runner.NewKubernetesRunner(client, runner.KubernetesConfig{
		Namespace:      k8s.ResolveNamespace(c.cfg.Namespace),
		Image:          c.cfg.CoachImage,
		Replicas:       int32(c.cfg.CoachReplicas),
		ImageStreamTag: c.cfg.CoachImageTag,
		RateLimit:      rate.Limit(c.cfg.BackendRate),
		Burst:          c.cfg.BackendBurst,
	}), nil
}

func (c *cli) coachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coach",
		Short: "Manage coach profiles and deployments",
	}

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.SetCoachEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(c.out, "coaching %s for %s\n", state, args[0])
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable DRIVER",
			Short: "Enable coaching for a driver",
			Args:  cobra.ExactArgs(1),
			RunE:  setEnabled(true),
		},
		&cobra.Command{
			Use:   "disable DRIVER",
			Short: "Disable coaching for a driver",
			Args:  cobra.ExactArgs(1),
			RunE:  setEnabled(false),
		},
		&cobra.Command{
			Use:   "start DRIVER",
			Short: "Create the coach deployment for a driver",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := c.backend()
				if err != nil {
					return err
				}
				created, err := backend.Start(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(c.out, "created %s\n", k8s.DeploymentName(args[0]))
				} else {
					fmt.Fprintf(c.out, "%s already running\n", k8s.DeploymentName(args[0]))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop DRIVER",
			Short: "Delete the coach deployment for a driver",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := c.backend()
				if err != nil {
					return err
				}
				deleted, err := backend.Stop(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if deleted {
					fmt.Fprintf(c.out, "deleted %s\n", k8s.DeploymentName(args[0]))
				} else {
					fmt.Fprintf(c.out, "%s not running\n", k8s.DeploymentName(args[0]))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List running coach deployments",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := c.backend()
				if err != nil {
					return err
				}
				drivers, err := backend.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range drivers {
					fmt.Fprintln(c.out, d)
				}
				return nil
			},
		},
	)
	return cmd
}

func (c *cli) driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List drivers and their coaching state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			drivers, err := database.ListDrivers(ctx)
			if err != nil {
				return err
			}
			names := make([]string, len(drivers))
			for i, d := range drivers {
				names[i] = d.Name
			}
			enabled, err := database.CoachingEnabled(ctx, names)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DRIVER\tCOACH")
			for _, name := range names {
				state := "off"
				if enabled[name] {
					state = "on"
				}
				fmt.Fprintf(w, "%s\t%s\n", name, state)
			}
			return w.Flush()
		},
	}
}

func (c *cli) maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "maintenance",
		Aliases: []string{"maint"},
		Short:   "Batch repairs over stored laps and fast laps",
	}

	withDB := func(fn func(cmd *cobra.Command, database *db.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			return fn(cmd, database)
		}
	}

	var game string
	repair := &cobra.Command{
		Use:   "fix-laps",
		Short: "Rebuild lap end times for a game's sessions",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, database *db.DB) error {
			report, err := maintenance.RepairLapEndTimes(cmd.Context(), database, game)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "checked %d laps, fixed %d, failed %d\n", report.Checked, report.Changed, report.Failed)
			return nil
		}),
	}
	repair.Flags().StringVar(&game, "game", telemetry.GameRichardBurnsRally, "Game whose laps are repaired")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "fix-fastlaps",
			Short: "Delete fast laps no lap references",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB) error {
				n, err := maintenance.SweepOrphanFastLaps(cmd.Context(), database)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %d orphaned fast laps\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "check-fastlaps",
			Short: "Report fast laps with malformed segment data",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB) error {
				report, err := maintenance.ValidateFastLapData(cmd.Context(), database)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "checked %d fast laps, %d malformed\n", report.Checked, report.Failed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete-driver-fastlaps",
			Short: "Delete every fast lap attributed to a driver",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB) error {
				n, err := maintenance.DeleteDriverFastLaps(cmd.Context(), database)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %d driver fast laps\n", n)
				return nil
			}),
		},
		repair,
	)
	return cmd
}
