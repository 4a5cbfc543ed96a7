package controller

import (
	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	corev1ac "k8s.io/client-go/applyconfigurations/core/v1"
)

// Mode selects how the proxy workload is exposed on the nodes.
type Mode string

const (
	// ModeHostPort binds the proxy listeners to ports 80 and 443 of every node.
	ModeHostPort Mode = "host-port"

	// ModeNodePort keeps the listeners on container ports and fronts them
	// with a NodePort Service.
	ModeNodePort Mode = "node-port"

	// modeLoadBalancer is recognized only to give a clear error.
	modeLoadBalancer = "load-balancer"
)

// ErrUnsupportedMode is returned by ParseMode for unknown or unimplemented modes.
var ErrUnsupportedMode = errors.New("unsupported controller mode")

// ParseMode validates a --mode value.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeHostPort, ModeNodePort:
		return Mode(value), nil
	}

	if value == modeLoadBalancer {
		return "", errors.Wrapf(ErrUnsupportedMode, "%s is not implemented", value)
	}

	return "", errors.Wrapf(ErrUnsupportedMode, "%q (expected %s or %s)", value, ModeHostPort, ModeNodePort)
}

// ManagesService reports whether the mode owns a Service in front of the workload.
func (m Mode) ManagesService() bool {
	return m == ModeNodePort
}

// containerPorts returns the proxy listener ports for the mode.
func (m Mode) containerPorts() []*corev1ac.ContainerPortApplyConfiguration {
	httpPort := corev1ac.ContainerPort().
		WithName(portNameHTTP).
		WithContainerPort(containerPortHTTP).
		WithProtocol(corev1.ProtocolTCP)
	httpsPort := corev1ac.ContainerPort().
		WithName(portNameHTTPS).
		WithContainerPort(containerPortHTTPS).
		WithProtocol(corev1.ProtocolTCP)

	if m == ModeHostPort {
		httpPort.WithHostPort(hostPortHTTP)
		httpsPort.WithHostPort(hostPortHTTPS)
	}

	return []*corev1ac.ContainerPortApplyConfiguration{httpPort, httpsPort}
}
