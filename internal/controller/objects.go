package controller

import (
	"path"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	appsv1ac "k8s.io/client-go/applyconfigurations/apps/v1"
	corev1ac "k8s.io/client-go/applyconfigurations/core/v1"
	metav1ac "k8s.io/client-go/applyconfigurations/meta/v1"

	"github.com/lexfrei/pingress/internal/routeconfig"
)

const (
	// Names of the managed objects in the controller namespace.
	TLSSecretName = "pingress-tls"
	ConfigMapName = "pingress-config"
	WorkloadName  = "pingress-proxy"
	ServiceName   = "pingress-proxy"

	// ConfigKey is the ConfigMap key holding the serialized routing configuration.
	ConfigKey = "proxy.json"

	// ConfigDigestAnnotation carries the SHA-512 of the serialized configuration
	// on the pod template.
	ConfigDigestAnnotation = "pingress.lex.la/config-digest"

	// Labels on every managed object.
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelControllerType = "pingress.lex.la/controller-type"
	LabelName           = "app.kubernetes.io/name"
	ManagedByValue      = "pingress-controller"

	// FieldManager owns the fields set by server-side apply. Fields of other
	// managers, such as a rollout restart annotation, are left alone.
	FieldManager = "pingress-controller"

	proxyContainerName = "proxy"
	configVolumeName   = "config"
	keysVolumeName     = "keys"

	configMountPath = "/etc/pingress/config"
	watchPath       = "/etc/pingress"

	portNameHTTP       = "http"
	portNameHTTPS      = "https"
	containerPortHTTP  = 8080
	containerPortHTTPS = 8443
	hostPortHTTP       = 80
	hostPortHTTPS      = 443

	secretVolumeMode int32 = 0o700
)

// WorkloadOptions are the operator supplied settings of the proxy pods.
type WorkloadOptions struct {
	Image           string
	ImagePullSecret string
	NodeSelector    map[string]string
}

// managedLabels returns the labels identifying objects owned by a controller in mode.
func managedLabels(mode Mode) map[string]string {
	return map[string]string{
		LabelManagedBy:      ManagedByValue,
		LabelControllerType: string(mode),
	}
}

func podLabels() map[string]string {
	return map[string]string{
		LabelName:      WorkloadName,
		LabelManagedBy: ManagedByValue,
	}
}

// IsManaged reports whether labels mark an object as created by this controller.
func IsManaged(labels map[string]string) bool {
	return labels[LabelManagedBy] == ManagedByValue
}

func tlsSecretApply(namespace string, mode Mode, data map[string][]byte) *corev1ac.SecretApplyConfiguration {
	return corev1ac.Secret(TLSSecretName, namespace).
		WithLabels(managedLabels(mode)).
		WithType(corev1.SecretTypeOpaque).
		WithData(data)
}

func configMapApply(namespace string, mode Mode, serialized []byte) *corev1ac.ConfigMapApplyConfiguration {
	return corev1ac.ConfigMap(ConfigMapName, namespace).
		WithLabels(managedLabels(mode)).
		WithData(map[string]string{ConfigKey: string(serialized)})
}

// serviceApply leaves nodePort unset so allocated ports stay with the API server.
func serviceApply(namespace string, mode Mode) *corev1ac.ServiceApplyConfiguration {
	return corev1ac.Service(ServiceName, namespace).
		WithLabels(managedLabels(mode)).
		WithSpec(corev1ac.ServiceSpec().
			WithType(corev1.ServiceTypeNodePort).
			WithSelector(podLabels()).
			WithPorts(
				corev1ac.ServicePort().
					WithName(portNameHTTP).
					WithProtocol(corev1.ProtocolTCP).
					WithPort(hostPortHTTP).
					WithTargetPort(intstr.FromString(portNameHTTP)),
				corev1ac.ServicePort().
					WithName(portNameHTTPS).
					WithProtocol(corev1.ProtocolTCP).
					WithPort(hostPortHTTPS).
					WithTargetPort(intstr.FromString(portNameHTTPS)),
			))
}

func daemonSetApply(
	namespace string,
	mode Mode,
	opts WorkloadOptions,
	tlsHosts []string,
	digest string,
) *appsv1ac.DaemonSetApplyConfiguration {
	return appsv1ac.DaemonSet(WorkloadName, namespace).
		WithLabels(managedLabels(mode)).
		WithSpec(appsv1ac.DaemonSetSpec().
			WithSelector(metav1ac.LabelSelector().WithMatchLabels(podLabels())).
			WithTemplate(corev1ac.PodTemplateSpec().
				WithLabels(podLabels()).
				WithAnnotations(map[string]string{ConfigDigestAnnotation: digest}).
				WithSpec(proxyPodSpec(mode, opts, tlsHosts))))
}

func proxyPodSpec(mode Mode, opts WorkloadOptions, tlsHosts []string) *corev1ac.PodSpecApplyConfiguration {
	container := corev1ac.Container().
		WithName(proxyContainerName).
		WithImage(opts.Image).
		WithArgs(
			"--config="+path.Join(configMountPath, ConfigKey),
			"--listen-http=0.0.0.0:8080",
			"--listen-https=0.0.0.0:8443",
			"--watch="+watchPath,
		).
		WithPorts(mode.containerPorts()...).
		WithVolumeMounts(
			corev1ac.VolumeMount().WithName(configVolumeName).WithMountPath(configMountPath).WithReadOnly(true),
			corev1ac.VolumeMount().WithName(keysVolumeName).WithMountPath(routeconfig.DefaultSecretBasePath).WithReadOnly(true),
		).
		WithSecurityContext(corev1ac.SecurityContext().WithReadOnlyRootFilesystem(true))

	keys := corev1ac.SecretVolumeSource().
		WithSecretName(TLSSecretName).
		WithDefaultMode(secretVolumeMode).
		WithItems(keyPairItems(tlsHosts)...)

	spec := corev1ac.PodSpec().
		WithContainers(container).
		WithVolumes(
			corev1ac.Volume().
				WithName(configVolumeName).
				WithConfigMap(corev1ac.ConfigMapVolumeSource().WithName(ConfigMapName)),
			corev1ac.Volume().
				WithName(keysVolumeName).
				WithSecret(keys),
		)

	if len(opts.NodeSelector) > 0 {
		spec.WithNodeSelector(opts.NodeSelector)
	}

	if opts.ImagePullSecret != "" {
		spec.WithImagePullSecrets(corev1ac.LocalObjectReference().WithName(opts.ImagePullSecret))
	}

	return spec
}

// keyPairItems projects the aggregated secret keys onto the file names the
// proxy reads: "{stem}.crt" -> "{host}.cert" and "{stem}.key" -> "{host}.key".
func keyPairItems(hosts []string) []*corev1ac.KeyToPathApplyConfiguration {
	var items []*corev1ac.KeyToPathApplyConfiguration

	for _, host := range hosts {
		stem := routeconfig.SecretKeyStem(host)
		items = append(items,
			corev1ac.KeyToPath().WithKey(stem+routeconfig.SecretCertSuffix).WithPath(host+routeconfig.CertSuffix),
			corev1ac.KeyToPath().WithKey(stem+routeconfig.KeySuffix).WithPath(host+routeconfig.KeySuffix),
		)
	}

	return items
}
