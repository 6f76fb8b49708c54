package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans render job events out to WebSocket subscribers of that job.
type Hub struct {
	// Clients grouped by render job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	// assetURL resolves a stored asset to a URL for completion messages.
	assetURL func(string) string
	log      zerolog.Logger

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(assetURL func(string) string, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		assetURL:   assetURL,
		log:        log.With().Str("component", "ws").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug().Str("job_id", client.JobID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug().Str("job_id", client.JobID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Too slow to keep up.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops a client. Callers hold h.mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribers returns how many clients watch a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// SegmentUpdated publishes a segment transition to its render job's
// subscribers.
func (h *Hub) SegmentUpdated(seg *model.Segment) {
	if seg.RenderJobID == "" {
		return
	}
	h.publish(seg.RenderJobID, model.WSSegmentMessage{
		Type:       model.WSMessageTypeSegment,
		JobID:      seg.RenderJobID,
		SegmentID:  seg.ID,
		OrderIndex: seg.OrderIndex,
		Status:     seg.Status,
		Attempts:   seg.Attempts,
		ErrorCode:  seg.ErrorCode,
	})
}

// RenderJobUpdated publishes progress, plus a terminal message once the job
// completes or fails.
func (h *Hub) RenderJobUpdated(job *model.RenderJob) {
	h.publish(job.ID, progressMessage(job))

	switch job.Status {
	case model.RenderJobStatusCompleted:
		h.publish(job.ID, model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Result: model.NewRenderJobResponse(job, h.assetURL),
		})
	case model.RenderJobStatusFailed:
		msg := model.WSErrorMessage{Type: model.WSMessageTypeError, JobID: job.ID}
		if job.ErrorCode != nil {
			msg.Error.Code = string(*job.ErrorCode)
		}
		if job.ErrorMessage != nil {
			msg.Error.Message = *job.ErrorMessage
		}
		h.publish(job.ID, msg)
	}
}

func progressMessage(job *model.RenderJob) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:               model.WSMessageTypeProgress,
		JobID:              job.ID,
		Status:             job.Status,
		SegmentsTotal:      job.SegmentsTotal,
		SegmentsCompleted:  job.SegmentsCompleted,
		ProgressPercentage: job.ProgressPercentage(),
	}
}

// publish never blocks the engine; events are dropped when the hub lags.
func (h *Hub) publish(jobID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal ws message")
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.log.Warn().Str("job_id", jobID).Msg("ws broadcast queue full, dropping event")
	}
}

// HandleConnection streams a render job's events to c, starting with its
// current state.
func (h *Hub) HandleConnection(c *websocket.Conn, job *model.RenderJob) {
	client := &Client{
		JobID: job.ID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	if data, err := json.Marshal(progressMessage(job)); err == nil {
		client.Send <- data
	}

	h.Register(client)
	defer h.Unregister(client)

	pongs := make(chan struct{}, 1)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("job_id", job.ID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

var _ engine.Notifier = (*Hub)(nil)
