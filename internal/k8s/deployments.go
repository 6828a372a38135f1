package k8s

import (
	"context"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// AppLabelKey and AppLabelValue mark every workload pitcrew owns.
	AppLabelKey   = "app"
	AppLabelValue = "pitcrew"

	// ComponentLabelKey is the label key for component identification
	ComponentLabelKey = "app.kubernetes.io/component"
	ComponentCoach    = "coach"

	// DriverLabelKey carries the sanitized driver name a coach serves.
	DriverLabelKey = "pitcrew.io/driver"

	// DriverAnnotationKey keeps the unsanitized driver name.
	DriverAnnotationKey = "pitcrew.io/driver-name"

	// ImageTriggerAnnotationKey lets OpenShift roll coaches on image stream updates.
	ImageTriggerAnnotationKey = "image.openshift.io/triggers"

	// CoachEnvVar tells the coach process which driver it serves.
	CoachEnvVar = "B4MAD_RACING_COACH"

	CoachContainerName = "coach"
	DefaultCoachImage  = "paddock:latest"
	DefaultReplicas    = 1

	// deploymentPrefix is prepended to the sanitized driver name.
	deploymentPrefix = "pitcrew-"

	maxLabelValueLength = 63
)

// SanitizeName maps a driver name to a DNS-1123 label: lower-case, every run
// of characters outside [a-z0-9] collapsed to one '-', leading and trailing
// '-' trimmed, at most 63 characters. The mapping is lossy, so distinct
// drivers can share a sanitized name.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}

	s := strings.Trim(b.String(), "-")
	if len(s) > maxLabelValueLength {
		s = strings.TrimRight(s[:maxLabelValueLength], "-")
	}
	return s
}

// DeploymentName returns the coach deployment name for a driver.
func DeploymentName(driver string) string {
	return deploymentPrefix + SanitizeName(driver)
}

// CoachSpec describes one coach deployment.
type CoachSpec struct {
	Driver    string
	Namespace string
	Image     string
	Replicas  int32
	// ImageStreamTag, when set, adds an OpenShift image trigger for the
	// coach container (for example "paddock:latest").
	ImageStreamTag string
}

// CoachSelector is the label selector matching every coach deployment.
func CoachSelector() string {
	return fmt.Sprintf("%s=%s,%s=%s", AppLabelKey, AppLabelValue, ComponentLabelKey, ComponentCoach)
}

// BuildCoachDeployment returns a new Deployment for spec. Every call builds
// fresh objects; nothing is shared between calls.
func BuildCoachDeployment(spec CoachSpec) *appsv1.Deployment {
	sanitized := SanitizeName(spec.Driver)

	image := spec.Image
	if image == "" {
		image = DefaultCoachImage
	}
	replicas := spec.Replicas
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	labels := map[string]string{
		AppLabelKey:       AppLabelValue,
		ComponentLabelKey: ComponentCoach,
		DriverLabelKey:    sanitized,
	}
	selector := map[string]string{
		AppLabelKey:    AppLabelValue,
		DriverLabelKey: sanitized,
	}
	annotations := map[string]string{
		DriverAnnotationKey: spec.Driver,
	}
	if spec.ImageStreamTag != "" {
		annotations[ImageTriggerAnnotationKey] = fmt.Sprintf(
			`[{"from":{"kind":"ImageStreamTag","name":%q},"fieldPath":"spec.template.spec.containers[?(@.name==\"%s\")].image"}]`,
			spec.ImageStreamTag, CoachContainerName)
	}

	podLabels := make(map[string]string, len(labels))
	for k, v := range labels {
		podLabels[k] = v
	}

	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        deploymentPrefix + sanitized,
			Namespace:   spec.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  CoachContainerName,
							Image: image,
							Env: []corev1.EnvVar{
								{Name: CoachEnvVar, Value: spec.Driver},
							},
						},
					},
				},
			},
		},
	}
}

// CreateDeployment creates a deployment in its namespace.
func CreateDeployment(ctx context.Context, client kubernetes.Interface, d *appsv1.Deployment) (*appsv1.Deployment, error) {
	return client.AppsV1().Deployments(d.Namespace).Create(ctx, d, metav1.CreateOptions{})
}

// DeleteDeployment deletes a deployment and lets its pods go with it.
func DeleteDeployment(ctx context.Context, client kubernetes.Interface, namespace, name string) error {
	policy := metav1.DeletePropagationBackground
	return client.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
}

// ListCoachDeployments lists all coach deployments in namespace.
func ListCoachDeployments(ctx context.Context, client kubernetes.Interface, namespace string) ([]appsv1.Deployment, error) {
	list, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: CoachSelector(),
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// DriverOf returns the sanitized driver identity a coach deployment carries.
func DriverOf(d *appsv1.Deployment) string {
	return d.Labels[DriverLabelKey]
}
