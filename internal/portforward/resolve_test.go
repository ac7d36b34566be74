package portforward

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

func TestResolveTarget_DirectPodPassesThrough(t *testing.T) {
	cs, _ := kubernetes.NewForConfig(&rest.Config{Host: "http://127.0.0.1:1"})
	ns, pod, err := resolveTarget(context.Background(), cs, Request{Namespace: "ns1", Pod: "pod1"})
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if ns != "ns1" || pod != "pod1" {
		t.Errorf("expected ns1/pod1, got %s/%s", ns, pod)
	}
}

func TestResolveTarget_RequiresPodOrService(t *testing.T) {
	cs, _ := kubernetes.NewForConfig(&rest.Config{Host: "http://127.0.0.1:1"})
	_, _, err := resolveTarget(context.Background(), cs, Request{Namespace: "ns1"})
	if err == nil {
		t.Fatal("expected error when neither pod nor service is set")
	}
}

func TestIsPodReady(t *testing.T) {
	ready := &corev1.Pod{Status: corev1.PodStatus{
		Phase:      corev1.PodRunning,
		Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
	}}
	if !isPodReady(ready) {
		t.Error("expected pod to be ready")
	}

	notRunning := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}
	if isPodReady(notRunning) {
		t.Error("expected pending pod to be not ready")
	}

	noReadyCondition := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning}}
	if isPodReady(noReadyCondition) {
		t.Error("expected pod without a Ready condition to be not ready")
	}
}
