package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/model"
)

// ErrGenerationTimeout marks a segment that stayed in generating past the
// configured ceiling.
var ErrGenerationTimeout = errors.New("generation exceeded timeout")

// Classify maps a raw backend or network failure onto the closed error code
// taxonomy. It is the only place raw errors are interpreted; everything
// downstream works with the returned code.
func Classify(err error) (model.ErrorCode, bool) {
	code := classify(err)
	return code, code.Retryable()
}

func classify(err error) model.ErrorCode {
	if err == nil {
		return model.ErrorCodeInternal
	}

	if errors.Is(err, ErrGenerationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorCodeTimeout
	}
	if errors.Is(err, client.ErrNoOutput) {
		return model.ErrorCodeOutput
	}

	var rf *client.RemoteFailure
	if errors.As(err, &rf) {
		return classifyRemote(rf)
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Body)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorCodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return model.ErrorCodeBackendConnection
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return model.ErrorCodeBackendConnection
	}

	return model.ErrorCodeInternal
}

func classifyRemote(rf *client.RemoteFailure) model.ErrorCode {
	switch rf.Kind {
	case client.FailureKindWorkflow:
		return model.ErrorCodeWorkflow
	case client.FailureKindMissingNode, client.FailureKindMissingModel:
		return model.ErrorCodeMissingComponent
	case client.FailureKindInvalidParameters, "validation":
		return model.ErrorCodeInvalidParameters
	case client.FailureKindExecution, "generation", "":
		return model.ErrorCodeGeneration
	case client.FailureKindTimeout:
		return model.ErrorCodeTimeout
	case client.FailureKindNoOutput:
		return model.ErrorCodeOutput
	}
	return model.ErrorCodeInternal
}

func classifyStatus(status int, body string) model.ErrorCode {
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return model.ErrorCodeTimeout
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return model.ErrorCodeBackendConnection
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(body), "workflow") {
			return model.ErrorCodeWorkflow
		}
		return model.ErrorCodeInvalidParameters
	case http.StatusUnprocessableEntity:
		return model.ErrorCodeInvalidParameters
	case http.StatusInternalServerError:
		return model.ErrorCodeGeneration
	}
	return model.ErrorCodeInternal
}
