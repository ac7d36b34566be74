package handler

import (
	"errors"
	"net/http"

	"github.com/localcluster/kubedaemon/internal/core"
	"github.com/localcluster/kubedaemon/internal/portforward"
)

// domainCodeToHTTPStatus maps a domain-level error code to its HTTP
// status equivalent.
var domainCodeToHTTPStatus = map[core.ErrorCode]int{
	core.ErrorCodeInternal:           http.StatusInternalServerError,
	core.ErrorCodeInvalidArgument:    http.StatusBadRequest,
	core.ErrorCodeNotFound:           http.StatusNotFound,
	core.ErrorCodeAlreadyExists:      http.StatusConflict,
	core.ErrorCodeUnauthenticated:    http.StatusUnauthorized,
	core.ErrorCodePermissionDenied:   http.StatusForbidden,
	core.ErrorCodeFailedPrecondition: http.StatusPreconditionFailed,
	core.ErrorCodeDeadlineExceeded:   http.StatusGatewayTimeout,
	core.ErrorCodeResourceExhausted:  http.StatusTooManyRequests,
	core.ErrorCodeUnimplemented:      http.StatusNotImplemented,
	core.ErrorCodeUnavailable:        http.StatusServiceUnavailable,
}

// statusForError converts a domain or package-local error into the
// HTTP status it should be reported under. Concrete error types are
// checked first, then generic core.DomainError codes. Anything
// unrecognized reports 500.
func statusForError(err error) int {
	var invalidInput *core.ErrInvalidInput
	if errors.As(err, &invalidInput) {
		return http.StatusBadRequest
	}
	var clusterNotFound *core.ErrClusterNotFound
	if errors.As(err, &clusterNotFound) {
		return http.StatusNotFound
	}
	var notReady *core.ErrNotReady
	if errors.As(err, &notReady) {
		return http.StatusServiceUnavailable
	}
	var pfNotFound *core.ErrPortForwardNotFound
	if errors.As(err, &pfNotFound) {
		return http.StatusNotFound
	}
	var portInUse *core.ErrPortInUse
	if errors.As(err, &portInUse) {
		return http.StatusConflict
	}
	var invalidReq *portforward.ErrInvalidRequest
	if errors.As(err, &invalidReq) {
		return http.StatusBadRequest
	}

	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		if status, ok := domainCodeToHTTPStatus[domainErr.Code]; ok {
			return status
		}
	}

	return http.StatusInternalServerError
}
