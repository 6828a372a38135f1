package crew_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/rjsadow/pitcrew/internal/crew"
	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/ingest"
	"github.com/rjsadow/pitcrew/internal/k8s"
	"github.com/rjsadow/pitcrew/internal/runner"
	"github.com/rjsadow/pitcrew/internal/sessions"
	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// clock is a settable time source shared by the dispatcher and the test.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

var _ = Describe("Telemetry to coach pipeline", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		clk        *clock
		registry   *sessions.Registry
		dispatcher *ingest.Dispatcher
		client     *fake.Clientset
		controller *crew.Controller
	)

	const threshold = 10 * time.Minute

	publish := func(topic string, payload telemetry.Payload) {
		Expect(dispatcher.OnMessage(topic, payload)).To(Succeed())
	}

	// drain waits until every queued event has been applied
	drain := func() {
		Eventually(dispatcher.Pending).Should(BeZero())
		// the last dequeued event may still be inside Notify
		time.Sleep(10 * time.Millisecond)
	}

	coachDrivers := func() []string {
		list, err := k8s.ListCoachDeployments(ctx, client, "racing")
		Expect(err).NotTo(HaveOccurred())
		var out []string
		for i := range list {
			out = append(out, k8s.DriverOf(&list[i]))
		}
		return out
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clk = &clock{now: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)}

		registry = sessions.NewRegistry(sessions.Config{
			Policy:        sessions.EvictionIdleFlag,
			IdleThreshold: threshold,
		})
		dispatcher = ingest.NewDispatcher(registry, ingest.Config{Shards: 2, Clock: clk.Now}, nil)
		dispatcher.Start(ctx)

		client = fake.NewSimpleClientset()
		backend := runner.NewKubernetesRunner(client, runner.KubernetesConfig{Namespace: "racing", RateLimit: 1000, Burst: 100})
		controller = crew.NewController(registry, backend, crew.Config{}, crew.WithEvictionRequester(registry))
	})

	AfterEach(func() {
		dispatcher.Stop()
		cancel()
	})

	It("starts a coach for a driver that sends telemetry", func() {
		publish("racer/alice/42/Generic Game/TrackX/CarY/practice", telemetry.Payload{telemetry.KeyCurrentLap: 1})
		drain()

		Expect(registry.ActiveDrivers()).To(Equal([]string{"alice"}))

		res, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Started).To(Equal([]string{"alice"}))
		Expect(coachDrivers()).To(ConsistOf("alice"))
	})

	It("ignores malformed topics", func() {
		publish("racer/alice/42", telemetry.Payload{})
		drain()

		Expect(registry.ActiveDrivers()).To(BeEmpty())
		res, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Started).To(BeEmpty())
	})

	It("stops the coach once the driver goes idle and a sweep runs", func() {
		publish("racer/alice/1/Game/T/C/race", telemetry.Payload{})
		drain()
		_, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(coachDrivers()).To(ConsistOf("alice"))

		// bob keeps driving past alice's idle threshold
		clk.now = clk.now.Add(threshold + time.Minute)
		registry.RequestEviction()
		publish("racer/bob/2/Game/T/C/race", telemetry.Payload{})
		drain()

		Expect(registry.ActiveDrivers()).To(Equal([]string{"bob"}))

		res, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Stopped).To(Equal([]string{"alice"}))
		Expect(res.Started).To(Equal([]string{"bob"}))
		Expect(coachDrivers()).To(ConsistOf("bob"))
	})

	It("converges from a stale fleet in one pass and is then idempotent", func() {
		for _, d := range []string{"bob", "carol"} {
			dep := k8s.BuildCoachDeployment(k8s.CoachSpec{Driver: d, Namespace: "racing"})
			_, err := k8s.CreateDeployment(ctx, client, dep)
			Expect(err).NotTo(HaveOccurred())
		}
		publish("racer/alice/1/Game/T/C/race", telemetry.Payload{})
		publish("racer/bob/2/Game/T/C/race", telemetry.Payload{})
		drain()

		res, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Started).To(Equal([]string{"alice"}))
		Expect(res.Stopped).To(Equal([]string{"carol"}))
		Expect(coachDrivers()).To(ConsistOf("alice", "bob"))

		again, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Started).To(BeEmpty())
		Expect(again.Stopped).To(BeEmpty())
	})

	It("reports readiness only while the loop runs", func() {
		Expect(controller.Live()).To(BeTrue())
		Expect(controller.Ready()).To(BeFalse())

		loopCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = controller.Run(loopCtx)
		}()

		Eventually(controller.Ready).Should(BeTrue())
		stop()
		Eventually(done).Should(BeClosed())
		Expect(controller.Ready()).To(BeFalse())
	})
})

var _ = Describe("Coach profiles", func() {
	It("only starts coaches for drivers with coaching enabled", func() {
		ctx := context.Background()
		database, err := db.OpenDB("sqlite", GinkgoT().TempDir()+"/pitcrew.db")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(database.Close)

		Expect(database.SetCoachEnabled(ctx, "alice", true)).To(Succeed())
		Expect(database.SetCoachEnabled(ctx, "bob", false)).To(Succeed())

		registry := sessions.NewRegistry(sessions.Config{}, sessions.WithDriverStore(database))
		now := time.Now()
		registry.Notify(ctx, "racer/alice/1/Game/T/C/race", telemetry.Payload{}, now)
		registry.Notify(ctx, "racer/bob/2/Game/T/C/race", telemetry.Payload{}, now)
		registry.Notify(ctx, "racer/carol/3/Game/T/C/race", telemetry.Payload{}, now)

		backend := runner.NewLocalRunner(runner.CoachFunc(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return nil
		}))
		DeferCleanup(backend.Close)

		controller := crew.NewController(registry, backend, crew.Config{}, crew.WithProfiles(database))
		res, err := controller.Reconcile(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Started).To(Equal([]string{"alice"}))

		carol, err := database.GetDriverByName(ctx, "carol")
		Expect(err).NotTo(HaveOccurred())
		Expect(carol).NotTo(BeNil())
	})
})
