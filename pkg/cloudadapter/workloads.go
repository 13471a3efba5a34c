package cloudadapter

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// WorkloadKind is one of the controller kinds the orchestrators scale.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "Deployment"
	KindStatefulSet WorkloadKind = "StatefulSet"
	KindReplicaSet  WorkloadKind = "ReplicaSet"
	KindDaemonSet   WorkloadKind = "DaemonSet"
)

// restartAnnotation is bumped on a DaemonSet's pod template to force a
// rollout, since DaemonSets have no replica count to scale.
const restartAnnotation = "fleetctl.opsfleet.io/restarted-at"

// Workload is a scalable controller observed in a namespace.
type Workload struct {
	Kind     WorkloadKind
	Name     string
	Replicas int32
	Ready    int32
	// Owned is true for ReplicaSets that have a controller owner
	// (typically a Deployment); owned ReplicaSets are never scaled
	// directly — only standalone ones are.
	Owned bool
}

// Pod is the per-pod detail the status aggregator tallies.
type Pod struct {
	Name              string
	Phase             corev1.PodPhase
	OwnerKind         string
	OwnerName         string
	ContainerStatuses []ContainerStatus
	InitStatuses      []ContainerStatus
	RestartCount      int32
	CreatedAt         time.Time
}

// ContainerStatus carries the waiting/terminated reason used for CrashLoop
// classification.
type ContainerStatus struct {
	Name            string
	WaitingReason   string
	TerminatedReason string
}

// PodClass is the three-way bucket the Status Aggregator tallies pods into.
type PodClass string

const (
	PodRunning   PodClass = "running"
	PodPending   PodClass = "pending"
	PodCrashLoop PodClass = "crash_loop"
)

var crashLoopWaitingReasons = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

var crashLoopTerminatedReasons = map[string]bool{
	"Error":            true,
	"CrashLoopBackOff": true,
}

const crashLoopRestartThreshold = 5

// ClassifyPod applies the CrashLoop rule: any container waiting on
// a known backoff reason, any container terminated with Error/CrashLoop,
// restart count over threshold, or any init container in a backoff state.
func ClassifyPod(p Pod) PodClass {
	for _, cs := range p.InitStatuses {
		if crashLoopWaitingReasons[cs.WaitingReason] {
			return PodCrashLoop
		}
	}
	for _, cs := range p.ContainerStatuses {
		if crashLoopWaitingReasons[cs.WaitingReason] || crashLoopTerminatedReasons[cs.TerminatedReason] {
			return PodCrashLoop
		}
	}
	if p.RestartCount > crashLoopRestartThreshold {
		return PodCrashLoop
	}

	switch p.Phase {
	case corev1.PodRunning, corev1.PodSucceeded:
		return PodRunning
	default:
		return PodPending
	}
}

// WorkloadAPI is the uniform k8s workload control surface.
type WorkloadAPI interface {
	ListWorkloads(ctx context.Context, namespace string) ([]Workload, error)
	// ScaleWorkload sets replicas for Deployment/StatefulSet/standalone
	// ReplicaSet; for DaemonSet it bumps the restart annotation instead.
	ScaleWorkload(ctx context.Context, kind WorkloadKind, namespace, name string, replicas int32) error
	ListPods(ctx context.Context, namespace string) ([]Pod, error)
	// WaitPodsTerminated polls until no pod is outside {Succeeded,
	// Failed}, or the deadline elapses.
	WaitPodsTerminated(ctx context.Context, namespace string, deadline time.Duration) (bool, error)
	// WaitWorkloadReady polls until the named workload reports at least
	// target ready replicas, or the deadline elapses.
	WaitWorkloadReady(ctx context.Context, namespace string, kind WorkloadKind, name string, target int32, deadline time.Duration) (bool, error)
}

type workloadAdapter struct {
	client kubernetes.Interface
}

// NewWorkloadAdapter creates a WorkloadAPI backed by a k8s clientset. Tests
// substitute k8s.io/client-go/kubernetes/fake.NewSimpleClientset.
func NewWorkloadAdapter(client kubernetes.Interface) WorkloadAPI {
	return &workloadAdapter{client: client}
}

func (a *workloadAdapter) ListWorkloads(ctx context.Context, namespace string) ([]Workload, error) {
	var out []Workload

	deployments, err := a.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sError("list_workloads/deployments", err)
	}
	for _, d := range deployments.Items {
		out = append(out, Workload{Kind: KindDeployment, Name: d.Name, Replicas: replicasOf(d.Spec.Replicas), Ready: d.Status.ReadyReplicas})
	}

	statefulSets, err := a.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sError("list_workloads/statefulsets", err)
	}
	for _, s := range statefulSets.Items {
		out = append(out, Workload{Kind: KindStatefulSet, Name: s.Name, Replicas: replicasOf(s.Spec.Replicas), Ready: s.Status.ReadyReplicas})
	}

	replicaSets, err := a.client.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sError("list_workloads/replicasets", err)
	}
	for _, rs := range replicaSets.Items {
		owned := false
		for _, ref := range rs.OwnerReferences {
			if ref.Controller != nil && *ref.Controller {
				owned = true
				break
			}
		}
		out = append(out, Workload{Kind: KindReplicaSet, Name: rs.Name, Replicas: replicasOf(rs.Spec.Replicas), Ready: rs.Status.ReadyReplicas, Owned: owned})
	}

	daemonSets, err := a.client.AppsV1().DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sError("list_workloads/daemonsets", err)
	}
	for _, ds := range daemonSets.Items {
		out = append(out, Workload{Kind: KindDaemonSet, Name: ds.Name, Replicas: ds.Status.DesiredNumberScheduled, Ready: ds.Status.NumberReady})
	}

	return out, nil
}

func (a *workloadAdapter) ScaleWorkload(ctx context.Context, kind WorkloadKind, namespace, name string, replicas int32) error {
	return retryOnce(ctx, "scale_workload", func() error {
		switch kind {
		case KindDeployment:
			d, err := a.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return classifyK8sError("scale_workload", err)
			}
			d.Spec.Replicas = &replicas
			_, err = a.client.AppsV1().Deployments(namespace).Update(ctx, d, metav1.UpdateOptions{})
			return classifyK8sError("scale_workload", err)

		case KindStatefulSet:
			s, err := a.client.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return classifyK8sError("scale_workload", err)
			}
			s.Spec.Replicas = &replicas
			_, err = a.client.AppsV1().StatefulSets(namespace).Update(ctx, s, metav1.UpdateOptions{})
			return classifyK8sError("scale_workload", err)

		case KindReplicaSet:
			rs, err := a.client.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return classifyK8sError("scale_workload", err)
			}
			rs.Spec.Replicas = &replicas
			_, err = a.client.AppsV1().ReplicaSets(namespace).Update(ctx, rs, metav1.UpdateOptions{})
			return classifyK8sError("scale_workload", err)

		case KindDaemonSet:
			ds, err := a.client.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return classifyK8sError("scale_workload", err)
			}
			if ds.Spec.Template.Annotations == nil {
				ds.Spec.Template.Annotations = map[string]string{}
			}
			ds.Spec.Template.Annotations[restartAnnotation] = time.Now().UTC().Format(time.RFC3339)
			_, err = a.client.AppsV1().DaemonSets(namespace).Update(ctx, ds, metav1.UpdateOptions{})
			return classifyK8sError("scale_workload", err)

		default:
			return NewError("scale_workload", KindFatal, fmt.Errorf("unknown workload kind %q", kind))
		}
	})
}

func (a *workloadAdapter) ListPods(ctx context.Context, namespace string) ([]Pod, error) {
	list, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sError("list_pods", err)
	}

	pods := make([]Pod, 0, len(list.Items))
	for _, p := range list.Items {
		pod := Pod{
			Name:      p.Name,
			Phase:     p.Status.Phase,
			CreatedAt: p.CreationTimestamp.Time,
		}
		for _, ref := range p.OwnerReferences {
			if ref.Controller != nil && *ref.Controller {
				pod.OwnerKind, pod.OwnerName = ref.Kind, ref.Name
				break
			}
		}
		for _, cs := range p.Status.ContainerStatuses {
			pod.RestartCount += cs.RestartCount
			pod.ContainerStatuses = append(pod.ContainerStatuses, toContainerStatus(cs))
		}
		for _, cs := range p.Status.InitContainerStatuses {
			pod.InitStatuses = append(pod.InitStatuses, toContainerStatus(cs))
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

func (a *workloadAdapter) WaitPodsTerminated(ctx context.Context, namespace string, deadline time.Duration) (bool, error) {
	end := time.Now().Add(deadline)
	for {
		pods, err := a.ListPods(ctx, namespace)
		if err != nil {
			return false, err
		}

		allTerminal := true
		for _, p := range pods {
			if p.Phase != corev1.PodSucceeded && p.Phase != corev1.PodFailed {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return true, nil
		}
		if time.Now().After(end) {
			return false, nil
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return false, NewError("wait_pods_terminated", KindTransient, ctx.Err())
		}
	}
}

const workloadReadyPoll = 5 * time.Second

func (a *workloadAdapter) WaitWorkloadReady(ctx context.Context, namespace string, kind WorkloadKind, name string, target int32, deadline time.Duration) (bool, error) {
	end := time.Now().Add(deadline)
	for {
		workloads, err := a.ListWorkloads(ctx, namespace)
		if err != nil {
			return false, err
		}

		for _, w := range workloads {
			if w.Kind == kind && w.Name == name && w.Ready >= target {
				return true, nil
			}
		}
		if time.Now().After(end) {
			return false, nil
		}

		select {
		case <-time.After(workloadReadyPoll):
		case <-ctx.Done():
			return false, NewError("wait_workload_ready", KindTransient, ctx.Err())
		}
	}
}

func toContainerStatus(cs corev1.ContainerStatus) ContainerStatus {
	out := ContainerStatus{Name: cs.Name}
	if cs.State.Waiting != nil {
		out.WaitingReason = cs.State.Waiting.Reason
	}
	if cs.State.Terminated != nil {
		out.TerminatedReason = cs.State.Terminated.Reason
	}
	return out
}

func replicasOf(r *int32) int32 {
	if r == nil {
		return 0
	}
	return *r
}

func classifyK8sError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return NewError(op, KindNotFound, err)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return NewError(op, KindUnauthorized, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err):
		return NewError(op, KindTransient, err)
	default:
		return NewError(op, KindFatal, err)
	}
}
