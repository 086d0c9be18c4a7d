// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	meshErrors "github.com/relaydeck/meshcore/internal/errors"
)

// Kubernetes scales a Deployment's replica count through the apps/v1 Scale
// subresource, one Deployment per worker type. Grounded on the teacher's
// kubernetes-operator (internal/kubernetes-operator/controllers/
// workerpool_controller.go), simplified from a full CRD reconciler to a
// direct client-go Scale call since this module drives scaling from its own
// control loop rather than a kubebuilder-managed custom resource.
type Kubernetes struct {
	clientset      kubernetes.Interface
	namespace      string
	deploymentName func(workerType string) string
}

// NewKubernetes builds a Kubernetes backend scaling Deployments named
// "<workerType>-worker" in namespace.
func NewKubernetes(clientset kubernetes.Interface, namespace string) *Kubernetes {
	return &Kubernetes{
		clientset: clientset,
		namespace: namespace,
		deploymentName: func(workerType string) string {
			return workerType + "-worker"
		},
	}
}

// CurrentWorkers reads the Deployment's current replica count.
func (k *Kubernetes) CurrentWorkers(ctx context.Context, workerType string) (int, error) {
	name := k.deploymentName(workerType)
	scale, err := k.clientset.AppsV1().Deployments(k.namespace).GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0, meshErrors.New(meshErrors.KindBackendError, "backend.kubernetes.current_workers", err)
	}
	return int(scale.Spec.Replicas), nil
}

// ScaleTo patches the Deployment's Scale subresource to target replicas.
func (k *Kubernetes) ScaleTo(ctx context.Context, workerType string, target int) error {
	name := k.deploymentName(workerType)
	scale, err := k.clientset.AppsV1().Deployments(k.namespace).GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return meshErrors.New(meshErrors.KindBackendError, "backend.kubernetes.scale_to", err)
	}

	updated := &autoscalingv1.Scale{
		ObjectMeta: scale.ObjectMeta,
		Spec:       autoscalingv1.ScaleSpec{Replicas: int32(target)},
	}
	if _, err := k.clientset.AppsV1().Deployments(k.namespace).UpdateScale(ctx, name, updated, metav1.UpdateOptions{}); err != nil {
		return meshErrors.New(meshErrors.KindBackendError, "backend.kubernetes.scale_to", fmt.Errorf("update scale for %s: %w", name, err))
	}
	return nil
}
