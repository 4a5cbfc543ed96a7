package metrics

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Error type constants for metrics labels.
const (
	ErrorTypeAuth          = "auth"
	ErrorTypeRateLimit     = "rate_limit"
	ErrorTypeConflict      = "conflict"
	ErrorTypeNotFound      = "not_found"
	ErrorTypeServerError   = "server_error"
	ErrorTypeClientError   = "client_error"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeNetwork       = "network"
	ErrorTypeMissingSecret = "missing_secret"
	ErrorTypeConfig        = "config"
	ErrorTypeUnknown       = "unknown"
)

// ClassifyAPIError classifies an error from the Kubernetes API for metrics labeling.
// Returns an empty string for nil errors.
func ClassifyAPIError(err error) string {
	if err == nil {
		return ""
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return classifyByStatusCode(int(status.Status().Code))
	}

	return classifyByErrorMessage(err.Error())
}

func classifyByStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusConflict:
		return ErrorTypeConflict
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound
	case statusCode == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case statusCode >= http.StatusInternalServerError && statusCode < 600:
		return ErrorTypeServerError
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

func classifyByErrorMessage(errStr string) string {
	errLower := strings.ToLower(errStr)

	switch {
	case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "no such host"):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}
