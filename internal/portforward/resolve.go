package portforward

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/localcluster/kubedaemon/internal/core"
)

// resolveTarget turns a Request into the concrete (namespace, pod)
// pair to forward into. Direct requests (Pod set) pass through
// unchanged; service-mode requests resolve the service's selector to
// a ready backing pod once, at start time — per the invariant, this
// resolution is not repeated on pod rotation within the same forward.
func resolveTarget(ctx context.Context, clientset *kubernetes.Clientset, req Request) (namespace, pod string, err error) {
	if req.Pod != "" {
		return req.Namespace, req.Pod, nil
	}
	if req.Service == "" {
		return "", "", &ErrInvalidRequest{Field: "pod/service", Message: "one of pod or service must be set"}
	}

	ns := req.ServiceNamespace
	if ns == "" {
		ns = req.Namespace
	}

	svc, err := clientset.CoreV1().Services(ns).Get(ctx, req.Service, metav1.GetOptions{})
	if err != nil {
		return "", "", &core.DomainError{Code: core.ErrorCodeNotFound, Message: fmt.Sprintf("service %s/%s not found", ns, req.Service), Cause: err}
	}
	if len(svc.Spec.Selector) == 0 {
		return "", "", &ErrInvalidRequest{Field: "service", Message: "service has no selector; target a pod directly"}
	}

	pods, err := clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(svc.Spec.Selector).String(),
	})
	if err != nil {
		return "", "", &core.DomainError{Code: core.ErrorCodeInternal, Message: "list service backing pods", Cause: err}
	}

	for i := range pods.Items {
		if isPodReady(&pods.Items[i]) {
			return ns, pods.Items[i].Name, nil
		}
	}
	return "", "", &core.DomainError{Code: core.ErrorCodeUnavailable, Message: fmt.Sprintf("no ready pods backing service %s/%s", ns, req.Service)}
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
