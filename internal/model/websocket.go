package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeSegment  = "segment"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a render job progress update
type WSProgressMessage struct {
	Type               string          `json:"type"`
	JobID              string          `json:"jobId"`
	Status             RenderJobStatus `json:"status"`
	SegmentsTotal      int             `json:"segmentsTotal"`
	SegmentsCompleted  int             `json:"segmentsCompleted"`
	ProgressPercentage float64         `json:"progressPercentage"`
}

// WSSegmentMessage represents a segment transition inside a render job
type WSSegmentMessage struct {
	Type       string        `json:"type"`
	JobID      string        `json:"jobId"`
	SegmentID  string        `json:"segmentId"`
	OrderIndex int           `json:"orderIndex"`
	Status     SegmentStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	ErrorCode  *ErrorCode    `json:"errorCode,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"jobId"`
	Result interface{} `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
