package model

// ErrorCode is a machine-readable failure code persisted next to the
// human-readable error message.
type ErrorCode string

// Segment failure taxonomy. The set is closed: the engine's classifier never
// produces anything else for a segment.
const (
	ErrorCodeBackendConnection ErrorCode = "BACKEND_CONNECTION_ERROR"
	ErrorCodeTimeout           ErrorCode = "GENERATION_TIMEOUT"
	ErrorCodeWorkflow          ErrorCode = "WORKFLOW_ERROR"
	ErrorCodeMissingComponent  ErrorCode = "MISSING_COMPONENT"
	ErrorCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeGeneration        ErrorCode = "GENERATION_ERROR"
	ErrorCodeOutput            ErrorCode = "OUTPUT_ERROR"
	ErrorCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Render job level codes.
const (
	ErrorCodeCompositing ErrorCode = "COMPOSITING_ERROR"
	ErrorCodeCancelled   ErrorCode = "RENDER_CANCELLED"
)

// SegmentErrorCodes lists the closed segment taxonomy.
var SegmentErrorCodes = []ErrorCode{
	ErrorCodeBackendConnection,
	ErrorCodeTimeout,
	ErrorCodeWorkflow,
	ErrorCodeMissingComponent,
	ErrorCodeInvalidParameters,
	ErrorCodeGeneration,
	ErrorCodeOutput,
	ErrorCodeInternal,
}

// Retryable reports whether a failure with this code may be resubmitted.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorCodeBackendConnection, ErrorCodeTimeout, ErrorCodeGeneration:
		return true
	}
	return false
}

// ErrorGuidance is what a human can do about a failure.
type ErrorGuidance struct {
	UserMessage     string `json:"userMessage"`
	Troubleshooting string `json:"troubleshooting"`
}

var errorGuidance = map[ErrorCode]ErrorGuidance{
	ErrorCodeBackendConnection: {
		UserMessage:     "Cannot connect to video generation service",
		Troubleshooting: "Please try again in a few moments. If the problem persists, contact support.",
	},
	ErrorCodeTimeout: {
		UserMessage:     "Video generation is taking longer than expected",
		Troubleshooting: "The service may be busy. Please try again later.",
	},
	ErrorCodeWorkflow: {
		UserMessage:     "Invalid workflow configuration",
		Troubleshooting: "Please check your settings or contact support.",
	},
	ErrorCodeMissingComponent: {
		UserMessage:     "Required model or component is missing",
		Troubleshooting: "Please contact support to install the required components.",
	},
	ErrorCodeInvalidParameters: {
		UserMessage:     "Invalid generation parameters",
		Troubleshooting: "Please check your prompt and settings.",
	},
	ErrorCodeGeneration: {
		UserMessage:     "Video generation failed",
		Troubleshooting: "Please try again. If the problem persists, try simplifying your prompt.",
	},
	ErrorCodeOutput: {
		UserMessage:     "No video was generated",
		Troubleshooting: "Please try again or contact support if the problem persists.",
	},
	ErrorCodeCompositing: {
		UserMessage:     "The final video could not be assembled",
		Troubleshooting: "Request a new render. Completed segments are reused.",
	},
	ErrorCodeCancelled: {
		UserMessage:     "The render was cancelled",
		Troubleshooting: "Request a new render when ready.",
	},
}

// Guidance returns the user-facing explanation for a code.
func (c ErrorCode) Guidance() ErrorGuidance {
	if g, ok := errorGuidance[c]; ok {
		return g
	}
	return ErrorGuidance{
		UserMessage:     "An unexpected error occurred",
		Troubleshooting: "Please try again or contact support.",
	}
}
