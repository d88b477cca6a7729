package relay

import (
	"net/http"

	"github.com/szaher/chatrelay/internal/audit"
	"github.com/szaher/chatrelay/internal/worker"
)

// Client-facing error texts.
const (
	msgRateLimited      = "Too many requests. Please slow down."
	msgMethodNotAllowed = "Method not allowed. Use POST."
	msgNoAPIKey         = "Server misconfiguration: OPENAI_API_KEY not set"
	msgLaunchFailure    = "Failed to start chat process"
	msgInvalidResponse  = "Invalid response from chat process"
	msgTimeout          = "The chat process took too long to respond."
	msgCanceled         = "The request was cancelled."
)

// SuccessBody is the body of a 200 response. Model is null when the worker
// did not report one.
type SuccessBody struct {
	Reply string  `json:"reply"`
	Model *string `json:"model"`
}

// ErrorBody is the body of every non-200 response.
type ErrorBody struct {
	Error string `json:"error"`
	// Raw is set only for invalid worker output.
	Raw *string `json:"raw,omitempty"`
}

// Assemble maps a worker outcome to an HTTP status and body.
func Assemble(out worker.Outcome) (int, any) {
	switch out.Kind {
	case worker.KindSuccess:
		return http.StatusOK, SuccessBody{Reply: out.Reply, Model: out.Model}
	case worker.KindWorkerError:
		return http.StatusInternalServerError, ErrorBody{Error: out.Message}
	case worker.KindProtocolError:
		raw := out.RawOutput
		return http.StatusInternalServerError, ErrorBody{Error: msgInvalidResponse, Raw: &raw}
	case worker.KindTimeout:
		return http.StatusGatewayTimeout, ErrorBody{Error: msgTimeout}
	case worker.KindCanceled:
		return http.StatusInternalServerError, ErrorBody{Error: msgCanceled}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: msgLaunchFailure}
	}
}

// outcomeStatus maps a worker outcome to its audit status and extra fields.
func outcomeStatus(out worker.Outcome) (audit.Status, map[string]any) {
	extra := map[string]any{
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.Kind != worker.KindLaunchFailure {
		extra["exit_code"] = out.ExitCode
	}

	switch out.Kind {
	case worker.KindSuccess:
		extra["model"] = out.Model
		if out.Stderr != "" {
			extra["stderr"] = out.Stderr
		}
		return audit.StatusSuccess, extra
	case worker.KindWorkerError:
		extra["err"] = out.Message
		return audit.StatusProcessError, extra
	case worker.KindProtocolError:
		extra["raw"] = out.RawOutput
		extra["stderr"] = out.Stderr
		return audit.StatusInvalidProcessResponse, extra
	case worker.KindTimeout:
		if out.Err != nil {
			extra["err"] = out.Err.Error()
		}
		return audit.StatusWorkerTimeout, extra
	case worker.KindCanceled:
		return audit.StatusClientCanceled, extra
	default:
		if out.Err != nil {
			extra["err"] = out.Err.Error()
		}
		return audit.StatusProcessStartFailed, extra
	}
}
