package portforward

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/localcluster/kubedaemon/internal/core"
)

// forwarderHandle is the running state of one SPDY port-forward,
// wrapping client-go's tools/portforward.PortForwarder so Stop can
// release it deterministically.
type forwarderHandle struct {
	stopCh  chan struct{}
	readyCh chan struct{}
	errCh   chan error
}

func (h *forwarderHandle) stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

// dialFunc opens a SPDY port-forward to namespace/pod:targetPort bound
// to 127.0.0.1:localPort (or a system-assigned port when localPort is
// 0) and returns a handle plus the bound local port once ready.
// Defined as a package-level variable (not a hardcoded call) so tests
// can substitute a fake without a real API server.
var dialFunc = func(ctx context.Context, cfg *rest.Config, clientset *kubernetes.Clientset, namespace, pod string, targetPort, localPort int, out, errOut io.Writer) (*forwarderHandle, int, error) {
	req := clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(cfg)
	if err != nil {
		return nil, 0, &core.DomainError{Code: core.ErrorCodeInternal, Message: "create SPDY round-tripper", Cause: err}
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	h := &forwarderHandle{
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
	}

	ports := []string{fmt.Sprintf("%d:%d", localPort, targetPort)}
	fw, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"}, ports, h.stopCh, h.readyCh, out, errOut)
	if err != nil {
		return nil, 0, &core.DomainError{Code: core.ErrorCodeInternal, Message: "create port forwarder", Cause: err}
	}

	go func() {
		defer close(h.errCh)
		if err := fw.ForwardPorts(); err != nil {
			h.errCh <- err
		}
	}()

	select {
	case <-h.readyCh:
	case err := <-h.errCh:
		if err == nil {
			err = fmt.Errorf("port forward exited before becoming ready")
		}
		return nil, 0, wrapForwardError(err)
	case <-ctx.Done():
		h.stop()
		return nil, 0, ctx.Err()
	}

	boundPorts, err := fw.GetPorts()
	if err != nil || len(boundPorts) != 1 {
		h.stop()
		return nil, 0, &core.DomainError{Code: core.ErrorCodeInternal, Message: "read bound local port", Cause: err}
	}
	return h, int(boundPorts[0].Local), nil
}

func wrapForwardError(err error) error {
	if err == nil {
		return nil
	}
	return &core.DomainError{Code: core.ErrorCodeUnavailable, Message: "port forward failed", Cause: err}
}
