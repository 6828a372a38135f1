package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"

	"github.com/rjsadow/pitcrew/internal/k8s"
)

const (
	// DefaultAPIRate and DefaultAPIBurst throttle calls to the API server.
	DefaultAPIRate  = 5
	DefaultAPIBurst = 10
)

// KubernetesConfig configures coach deployments.
type KubernetesConfig struct {
	Namespace      string
	Image          string
	Replicas       int32
	ImageStreamTag string

	// RateLimit is the sustained API call rate per second.
	RateLimit rate.Limit
	Burst     int
}

// KubernetesRunner implements Backend with one apps/v1 Deployment per driver.
type KubernetesRunner struct {
	client  kubernetes.Interface
	config  KubernetesConfig
	limiter *rate.Limiter
}

var _ Backend = (*KubernetesRunner)(nil)

// NewKubernetesRunner creates a runner on an existing clientset.
func NewKubernetesRunner(client kubernetes.Interface, cfg KubernetesConfig) *KubernetesRunner {
	if cfg.Namespace == "" {
		cfg.Namespace = k8s.DefaultNamespace
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultAPIRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultAPIBurst
	}
	return &KubernetesRunner{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
	}
}

// Type returns TypeKubernetes.
func (r *KubernetesRunner) Type() Type {
	return TypeKubernetes
}

// Start creates the driver's coach deployment. An existing deployment counts
// as success.
func (r *KubernetesRunner) Start(ctx context.Context, driver string) (bool, error) {
	if k8s.SanitizeName(driver) == "" {
		return false, fmt.Errorf("driver name %q has no valid kubernetes identity", driver)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	d := k8s.BuildCoachDeployment(k8s.CoachSpec{
		Driver:         driver,
		Namespace:      r.config.Namespace,
		Image:          r.config.Image,
		Replicas:       r.config.Replicas,
		ImageStreamTag: r.config.ImageStreamTag,
	})

	if _, err := k8s.CreateDeployment(ctx, r.client, d); err != nil {
		if apierrors.IsAlreadyExists(err) {
			slog.Info("Coach deployment already exists", "deployment", d.Name, "namespace", d.Namespace)
			return false, nil
		}
		return false, fmt.Errorf("failed to create deployment %s: %w", d.Name, err)
	}

	slog.Info("Created coach deployment", "deployment", d.Name, "namespace", d.Namespace, "driver", driver)
	return true, nil
}

// Stop deletes the driver's coach deployment. A missing deployment counts as
// success.
func (r *KubernetesRunner) Stop(ctx context.Context, driver string) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	name := k8s.DeploymentName(driver)
	if err := k8s.DeleteDeployment(ctx, r.client, r.config.Namespace, name); err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("Coach deployment already gone", "deployment", name, "namespace", r.config.Namespace)
			return false, nil
		}
		return false, fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}

	slog.Info("Deleted coach deployment", "deployment", name, "namespace", r.config.Namespace)
	return true, nil
}

// List returns the drivers of all coach deployments in the namespace.
func (r *KubernetesRunner) List(ctx context.Context) ([]string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	deployments, err := k8s.ListCoachDeployments(ctx, r.client, r.config.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list coach deployments: %w", err)
	}

	seen := make(map[string]struct{}, len(deployments))
	drivers := make([]string, 0, len(deployments))
	for i := range deployments {
		driver := k8s.DriverOf(&deployments[i])
		if driver == "" {
			continue
		}
		if _, ok := seen[driver]; ok {
			continue
		}
		seen[driver] = struct{}{}
		drivers = append(drivers, driver)
	}
	sort.Strings(drivers)
	return drivers, nil
}

// Healthy checks if the Kubernetes API is reachable.
func (r *KubernetesRunner) Healthy(_ context.Context) bool {
	_, err := r.client.Discovery().ServerVersion()
	return err == nil
}

// Close is a no-op; the clientset holds no resources that need releasing.
func (r *KubernetesRunner) Close() error {
	return nil
}
