package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rjsadow/pitcrew/internal/archive"
	"github.com/rjsadow/pitcrew/internal/config"
	"github.com/rjsadow/pitcrew/internal/crew"
	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/ingest"
	"github.com/rjsadow/pitcrew/internal/k8s"
	"github.com/rjsadow/pitcrew/internal/maintenance"
	"github.com/rjsadow/pitcrew/internal/metrics"
	"github.com/rjsadow/pitcrew/internal/persist"
	"github.com/rjsadow/pitcrew/internal/runner"
	"github.com/rjsadow/pitcrew/internal/server"
	"github.com/rjsadow/pitcrew/internal/sessions"
	"github.com/rjsadow/pitcrew/internal/transport"
)

const flushTimeout = 30 * time.Second

func main() {
	// Parse command-line flags (can override env vars)
	port := flag.Int("port", config.DefaultPort, "Port for the probe server")
	dbPath := flag.String("db", config.DefaultDBPath, "Path to SQLite database")
	kubeCrew := flag.String("kube-crew", "", "Start or stop the coach deployment of -coach and exit (start|stop)")
	coach := flag.String("coach", "", "Run a single coach for this driver in-process")
	replay := flag.Bool("replay", false, "Replay mode: never persist sessions")
	sessionSaver := flag.Bool("session-saver", false, "Only ingest and persist sessions, without coaches")
	noSave := flag.Bool("no-save", false, "Do not persist sessions")
	deleteDriverFastLaps := flag.Bool("delete-driver-fastlaps", false, "Delete all fast laps attributed to a driver and exit")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*port, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	opts := options{
		kubeCrew:             *kubeCrew,
		coach:                coachName(*coach),
		replay:               *replay || cfg.Replay,
		sessionSaver:         *sessionSaver,
		noSave:               *noSave,
		deleteDriverFastLaps: *deleteDriverFastLaps,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		slog.Error("pitcrew failed", "mode", opts.mode(), "error", err)
		os.Exit(1)
	}
}

type options struct {
	kubeCrew             string
	coach                string
	replay               bool
	sessionSaver         bool
	noSave               bool
	deleteDriverFastLaps bool
}

type mode string

const (
	modeCrew                 mode = "crew"
	modeSessionSaver         mode = "session-saver"
	modeCoach                mode = "coach"
	modeKubeCrew             mode = "kube-crew"
	modeDeleteDriverFastLaps mode = "delete-driver-fastlaps"
)

// mode picks what the process does. One-shot commands win over the
// long-running modes.
func (o options) mode() mode {
	switch {
	case o.deleteDriverFastLaps:
		return modeDeleteDriverFastLaps
	case o.kubeCrew != "":
		return modeKubeCrew
	case o.coach != "":
		return modeCoach
	case o.sessionSaver:
		return modeSessionSaver
	default:
		return modeCrew
	}
}

// persist reports whether sessions are written to the database.
func (o options) persist() bool {
	return !o.replay && !o.noSave
}

// coachName prefers the flag over the coach environment variable.
func coachName(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(k8s.CoachEnvVar)
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	switch opts.mode() {
	case modeDeleteDriverFastLaps:
		return runDeleteDriverFastLaps(ctx, cfg)
	case modeKubeCrew:
		return runKubeCrew(ctx, cfg, opts)
	case modeCoach:
		return runCoach(ctx, cfg, opts)
	default:
		return runPipeline(ctx, cfg, opts)
	}
}

func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.OpenDB(cfg.DBType, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func runDeleteDriverFastLaps(ctx context.Context, cfg *config.Config) error {
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	_, err = maintenance.DeleteDriverFastLaps(ctx, database)
	return err
}

func runKubeCrew(ctx context.Context, cfg *config.Config, opts options) error {
	if opts.coach == "" {
		return fmt.Errorf("-kube-crew needs a driver: set -coach or %s", k8s.CoachEnvVar)
	}
	if opts.kubeCrew != "start" && opts.kubeCrew != "stop" {
		return fmt.Errorf("unknown -kube-crew command %q (want start or stop)", opts.kubeCrew)
	}
	backend, err := kubernetesBackend(cfg)
	if err != nil {
		return err
	}

	if opts.kubeCrew == "start" {
		_, err = backend.Start(ctx, opts.coach)
	} else {
		_, err = backend.Stop(ctx, opts.coach)
	}
	return err
}

func kubernetesBackend(cfg *config.Config) (*runner.KubernetesRunner, error) {
	client, err := k8s.NewClient(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return runner.NewKubernetesRunner(client, runner.KubernetesConfig{
		Namespace:      k8s.ResolveNamespace(cfg.Namespace),
		Image:          cfg.CoachImage,
		Replicas:       int32(cfg.CoachReplicas),
		ImageStreamTag: cfg.CoachImageTag,
		RateLimit:      rate.Limit(cfg.BackendRate),
		Burst:          cfg.BackendBurst,
	}), nil
}

// runCoach follows one driver in-process until interrupted. The driver and
// its coach profile are created when missing.
func runCoach(ctx context.Context, cfg *config.Config, opts options) error {
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	profile, err := database.GetCoach(ctx, opts.coach)
	if err != nil {
		return fmt.Errorf("failed to load coach profile: %w", err)
	}
	if profile == nil {
		if err := database.SetCoachEnabled(ctx, opts.coach, true); err != nil {
			return fmt.Errorf("failed to create coach profile: %w", err)
		}
	}

	client, err := connectMQTT(ctx, cfg, "coach")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	return transport.NewMQTTCoach(client, "").Run(ctx, opts.coach)
}

// connectMQTT opens a broker connection for in-process coaches.
func connectMQTT(ctx context.Context, cfg *config.Config, role string) (mqtt.Client, error) {
	mcfg := transport.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}
	if cfg.MQTTClientID != "" {
		mcfg.ClientID = cfg.MQTTClientID + "-" + role
	} else {
		mcfg.ClientID = "pitcrew-" + role + "-" + fmt.Sprint(os.Getpid())
	}

	client := mqtt.NewClient(mcfg.ClientOptions())
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.MQTTBroker, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

// runPipeline ingests telemetry and, in crew mode, reconciles coaches for
// the active drivers. Pending laps are flushed on the way out.
func runPipeline(ctx context.Context, cfg *config.Config, opts options) error {
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()
	crewMode := opts.mode() == modeCrew

	policy := sessions.EvictionPolicy(cfg.EvictionPolicy)
	if !crewMode {
		// nothing requests idle sweeps without a reconciler
		policy = sessions.EvictionMaxAge
	}

	regOpts := []sessions.Option{
		sessions.WithDriverStore(database),
		sessions.WithMetrics(m),
	}
	if opts.persist() {
		archiver, err := newArchiver(ctx, cfg)
		if err != nil {
			return err
		}
		var sink persist.Archive
		if archiver != nil {
			sink = archiver
		}
		regOpts = append(regOpts, sessions.WithSaver(persist.NewSessionSaver(database, sink)))
	}
	registry := sessions.NewRegistry(sessions.Config{
		Policy:        policy,
		SaveInterval:  cfg.SaveInterval,
		ClearInterval: cfg.ClearInterval,
		MaxSessionAge: cfg.MaxSessionAge,
		IdleThreshold: cfg.IdleThreshold,
		Replay:        !opts.persist(),
	}, regOpts...)

	dispatcher := ingest.NewDispatcher(registry, ingest.Config{
		Shards:     cfg.IngestShards,
		BufferSize: cfg.IngestBuffer,
	}, m)

	source := transport.NewMQTTSource(transport.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		Topic:    cfg.MQTTTopic,
		ClientID: cfg.MQTTClientID,
	}, dispatcher)

	app := &server.App{DB: database, Metrics: m}
	if cfg.WSIngest {
		app.Telemetry = transport.NewWebSocketSource(dispatcher, rate.Limit(cfg.WSRateLimit), cfg.WSBurst)
		app.TelemetryPath = transport.WebSocketPath
	}

	var controller *crew.Controller
	if crewMode {
		backend, release, err := newBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer release()

		ctrlOpts := []crew.Option{crew.WithProfiles(database), crew.WithMetrics(m)}
		if policy == sessions.EvictionIdleFlag {
			ctrlOpts = append(ctrlOpts, crew.WithEvictionRequester(registry))
		}
		controller = crew.NewController(registry, backend, crew.Config{
			Interval:    cfg.ReconcileInterval,
			CallTimeout: cfg.BackendTimeout,
		}, ctrlOpts...)
		app.Probe = controller
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return source.Run(gctx) })
	if controller != nil {
		g.Go(func() error { return controller.Run(gctx) })
	}

	g.Go(func() error {
		return server.Serve(gctx, fmt.Sprintf(":%d", cfg.Port), app.Handler())
	})

	slog.Info("pitcrew started",
		"mode", opts.mode(),
		"persist", opts.persist(),
		"policy", policy,
		"broker", cfg.MQTTBroker)

	runErr := g.Wait()

	// the dispatcher has drained; write out what is left
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := registry.Flush(flushCtx); err != nil {
		slog.Error("Final session flush failed", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// newBackend builds the coach backend. release stops it and drops any broker
// connection it holds.
func newBackend(ctx context.Context, cfg *config.Config) (backend runner.Backend, release func(), err error) {
	t, err := runner.ParseType(cfg.Runner)
	if err != nil {
		return nil, nil, err
	}
	if t == runner.TypeLocal {
		client, err := connectMQTT(ctx, cfg, "coaches")
		if err != nil {
			return nil, nil, err
		}
		local := runner.NewLocalRunner(transport.NewMQTTCoach(client, ""))
		return local, func() {
			local.Close()
			client.Disconnect(250)
		}, nil
	}
	kube, err := kubernetesBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	return kube, func() { kube.Close() }, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	switch cfg.ArchiveBackend {
	case "local":
		return archive.New(archive.NewLocalStore(cfg.ArchivePath)), nil
	case "s3":
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:          cfg.ArchiveS3Bucket,
			Region:          cfg.ArchiveS3Region,
			Endpoint:        cfg.ArchiveS3Endpoint,
			Prefix:          cfg.ArchiveS3Prefix,
			AccessKeyID:     cfg.ArchiveS3AccessKeyID,
			SecretAccessKey: cfg.ArchiveS3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 archive: %w", err)
		}
		return archive.New(store), nil
	default:
		return nil, nil
	}
}
