package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/rjsadow/pitcrew/internal/k8s"
)

func TestParseType(t *testing.T) {
	for _, s := range []string{"kubernetes", "local"} {
		if got, err := ParseType(s); err != nil || string(got) != s {
			t.Errorf("ParseType(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseType("nomad"); err == nil {
		t.Error("ParseType(nomad) error = nil, want error")
	}
}

func newKubeRunner(t *testing.T) (*KubernetesRunner, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	r := NewKubernetesRunner(client, KubernetesConfig{Namespace: "racing", Image: "coach:v1", Replicas: 2})
	return r, client
}

func TestKubernetesRunner_StartStopList(t *testing.T) {
	r, client := newKubeRunner(t)
	ctx := context.Background()

	if r.Type() != TypeKubernetes {
		t.Errorf("Type() = %q, want kubernetes", r.Type())
	}

	created, err := r.Start(ctx, "Jane Doe")
	if err != nil || !created {
		t.Fatalf("Start() = %v, %v; want true, nil", created, err)
	}

	d, err := client.AppsV1().Deployments("racing").Get(ctx, "pitcrew-jane-doe", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("deployment not created: %v", err)
	}
	if d.Spec.Template.Spec.Containers[0].Image != "coach:v1" {
		t.Errorf("image = %q, want coach:v1", d.Spec.Template.Spec.Containers[0].Image)
	}

	// second start is a no-op
	created, err = r.Start(ctx, "Jane Doe")
	if err != nil || created {
		t.Errorf("second Start() = %v, %v; want false, nil", created, err)
	}

	drivers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(drivers) != 1 || drivers[0] != "jane-doe" {
		t.Errorf("List() = %v, want [jane-doe]", drivers)
	}

	// stop by sanitized identity, as the reconciler does
	removed, err := r.Stop(ctx, "jane-doe")
	if err != nil || !removed {
		t.Fatalf("Stop() = %v, %v; want true, nil", removed, err)
	}
	removed, err = r.Stop(ctx, "jane-doe")
	if err != nil || removed {
		t.Errorf("second Stop() = %v, %v; want false, nil", removed, err)
	}
}

func TestKubernetesRunner_StartInvalidName(t *testing.T) {
	r, _ := newKubeRunner(t)
	if _, err := r.Start(context.Background(), "!!!"); err == nil {
		t.Error("Start(!!!) error = nil, want error")
	}
}

func TestKubernetesRunner_APIError(t *testing.T) {
	r, client := newKubeRunner(t)
	client.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "x", errors.New("rbac"))
	})
	client.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	if _, err := r.Start(context.Background(), "alice"); err == nil {
		t.Error("Start() error = nil, want forbidden")
	}
	if _, err := r.List(context.Background()); err == nil {
		t.Error("List() error = nil, want error")
	}
}

func TestKubernetesRunner_IgnoresUnlabelledDeployments(t *testing.T) {
	r, client := newKubeRunner(t)
	ctx := context.Background()

	other := k8s.BuildCoachDeployment(k8s.CoachSpec{Driver: "bob", Namespace: "racing"})
	delete(other.Labels, k8s.DriverLabelKey)
	if _, err := client.AppsV1().Deployments("racing").Create(ctx, other, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	drivers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(drivers) != 1 || drivers[0] != "alice" {
		t.Errorf("List() = %v, want [alice]", drivers)
	}
}

func TestKubernetesRunner_Healthy(t *testing.T) {
	r, _ := newKubeRunner(t)
	if !r.Healthy(context.Background()) {
		t.Error("Healthy() = false with fake clientset")
	}
}

func TestKubernetesRunner_RateLimitHonoursContext(t *testing.T) {
	client := fake.NewSimpleClientset()
	r := NewKubernetesRunner(client, KubernetesConfig{Namespace: "racing", RateLimit: 0.001, Burst: 1})

	if _, err := r.List(context.Background()); err != nil {
		t.Fatalf("first List() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.List(ctx); err == nil {
		t.Error("throttled List() error = nil, want context error")
	}
}

// --- LocalRunner ---

type blockingCoach struct {
	running atomic.Int32
}

func (c *blockingCoach) Run(ctx context.Context, _ string) error {
	c.running.Add(1)
	defer c.running.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func TestLocalRunner_StartStop(t *testing.T) {
	coach := &blockingCoach{}
	r := NewLocalRunner(coach)
	defer r.Close()
	ctx := context.Background()

	if r.Type() != TypeLocal {
		t.Errorf("Type() = %q, want local", r.Type())
	}

	started, err := r.Start(ctx, "Jane Doe")
	if err != nil || !started {
		t.Fatalf("Start() = %v, %v", started, err)
	}
	if started, _ := r.Start(ctx, "jane-doe"); started {
		t.Error("Start() of running coach reported true")
	}

	drivers, _ := r.List(ctx)
	if len(drivers) != 1 || drivers[0] != "jane-doe" {
		t.Errorf("List() = %v, want [jane-doe]", drivers)
	}

	stopped, err := r.Stop(ctx, "jane-doe")
	if err != nil || !stopped {
		t.Fatalf("Stop() = %v, %v", stopped, err)
	}
	if n := coach.running.Load(); n != 0 {
		t.Errorf("running coaches after Stop = %d, want 0", n)
	}
	if stopped, _ := r.Stop(ctx, "jane-doe"); stopped {
		t.Error("second Stop() reported true")
	}
}

func TestLocalRunner_PanicRestarts(t *testing.T) {
	var runs atomic.Int32
	coach := CoachFunc(func(ctx context.Context, _ string) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})
	r := NewLocalRunner(coach)
	defer r.Close()
	ctx := context.Background()

	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		drivers, _ := r.List(ctx)
		if len(drivers) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panicked coach still listed as running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	started, err := r.Start(ctx, "alice")
	if err != nil || !started {
		t.Fatalf("restart Start() = %v, %v; want true, nil", started, err)
	}
	if drivers, _ := r.List(ctx); len(drivers) != 1 {
		t.Errorf("List() after restart = %v", drivers)
	}
}

func TestLocalRunner_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	coach := CoachFunc(func(context.Context, string) error {
		<-release
		return nil
	})
	r := NewLocalRunner(coach)
	defer func() {
		close(release)
		r.Close()
	}()

	if _, err := r.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Stop(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded", err)
	}
}
