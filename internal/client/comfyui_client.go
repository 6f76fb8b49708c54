package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/config"
)

const defaultPromptNodeID = "6"

// ComfyUIClient implements Generator against a ComfyUI server's REST API.
type ComfyUIClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	defaultWorkflow map[string]interface{}
	nodes           workflowNodes
	log             zerolog.Logger
}

// workflowNodes names the nodes a submission writes into.
type workflowNodes struct {
	prompt  string
	sampler string
}

type comfyPromptRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id"`
}

type comfyPromptResponse struct {
	PromptID   string                 `json:"prompt_id"`
	NodeErrors map[string]interface{} `json:"node_errors,omitempty"`
}

type comfyErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors map[string]struct {
		Errors []struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"errors"`
		ClassType string `json:"class_type"`
	} `json:"node_errors"`
}

type comfyHistoryEntry struct {
	Outputs map[string]comfyNodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

type comfyNodeOutput struct {
	Videos []comfyFile `json:"videos,omitempty"`
	Gifs   []comfyFile `json:"gifs,omitempty"`
	Images []comfyFile `json:"images,omitempty"`
}

type comfyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type comfyQueue struct {
	Running [][]json.RawMessage `json:"queue_running"`
}

// NewComfyUIClient creates a ComfyUI client. The default workflow, if
// configured, is read once from disk.
func NewComfyUIClient(cfg *config.BackendConfig, log zerolog.Logger) (*ComfyUIClient, error) {
	c := &ComfyUIClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		nodes: workflowNodes{
			prompt:  cfg.PromptNodeID,
			sampler: cfg.SamplerNodeID,
		},
		log: log.With().Str("backend", "comfyui").Logger(),
	}
	if c.nodes.prompt == "" {
		c.nodes.prompt = defaultPromptNodeID
	}
	if cfg.WorkflowFile != "" {
		data, err := os.ReadFile(cfg.WorkflowFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read default workflow: %w", err)
		}
		if err := json.Unmarshal(data, &c.defaultWorkflow); err != nil {
			return nil, fmt.Errorf("failed to parse default workflow: %w", err)
		}
	}
	return c, nil
}

// IsConfigured returns true if the client has a server to talk to
func (c *ComfyUIClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Submit queues the workflow with the prompt injected.
func (c *ComfyUIClient) Submit(ctx context.Context, req *GenerateRequest) (string, error) {
	workflow, ok := req.Params["workflow"].(map[string]interface{})
	if !ok {
		workflow = c.defaultWorkflow
	}
	if workflow == nil {
		return "", &RemoteFailure{
			Kind:    FailureKindWorkflow,
			Message: "no workflow provided and no default workflow configured",
		}
	}

	body := comfyPromptRequest{
		Prompt:   injectPrompt(workflow, c.nodes, req.Prompt, req.Params),
		ClientID: uuid.NewString(),
	}

	var result comfyPromptResponse
	if err := c.post(ctx, "/prompt", body, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", &RemoteFailure{Kind: FailureKindWorkflow, Message: "no prompt_id returned"}
	}
	return result.PromptID, nil
}

// Poll reads the prompt's history entry.
func (c *ComfyUIClient) Poll(ctx context.Context, handle string) (*GenerationStatus, error) {
	var history map[string]comfyHistoryEntry
	if err := c.get(ctx, "/history/"+url.PathEscape(handle), &history); err != nil {
		return nil, err
	}

	entry, ok := history[handle]
	if !ok {
		// Still queued.
		return &GenerationStatus{State: GenerationRunning}, nil
	}

	if entry.Status.StatusStr == "error" {
		return &GenerationStatus{
			State:   GenerationFailed,
			Failure: executionFailure(entry.Status.Messages),
		}, nil
	}

	if !entry.Status.Completed && len(entry.Outputs) == 0 {
		return &GenerationStatus{State: GenerationRunning}, nil
	}

	file, found := firstOutput(entry.Outputs)
	if !found {
		return &GenerationStatus{
			State: GenerationFailed,
			Failure: &RemoteFailure{
				Kind:    FailureKindNoOutput,
				Message: "no video or image output found in result",
			},
		}, nil
	}

	q := url.Values{}
	q.Set("filename", file.Filename)
	q.Set("subfolder", file.Subfolder)
	q.Set("type", "output")
	return &GenerationStatus{
		State:     GenerationSucceeded,
		OutputURL: c.baseURL + "/view?" + q.Encode(),
	}, nil
}

// Cancel removes the prompt from the queue and interrupts it only when it is
// the one currently executing.
func (c *ComfyUIClient) Cancel(ctx context.Context, handle string) error {
	if err := c.post(ctx, "/queue", map[string]interface{}{"delete": []string{handle}}, nil); err != nil {
		return err
	}

	var queue comfyQueue
	if err := c.get(ctx, "/queue", &queue); err != nil {
		return err
	}
	for _, running := range queue.Running {
		if len(running) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(running[1], &id); err == nil && id == handle {
			return c.post(ctx, "/interrupt", map[string]interface{}{}, nil)
		}
	}
	return nil
}

// Fetch streams a produced file from the server.
func (c *ComfyUIClient) Fetch(ctx context.Context, handle, outputURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Backend: "comfyui", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// injectPrompt copies the workflow and writes the prompt and dimensions into
// the configured nodes. Params may name other nodes per segment.
func injectPrompt(workflow map[string]interface{}, nodes workflowNodes, prompt string, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(workflow))
	for id, node := range workflow {
		out[id] = copyNode(node)
	}

	promptNode := nodes.prompt
	if v, ok := params["prompt_node_id"].(string); ok && v != "" {
		promptNode = v
	}
	if inputs := nodeInputs(out, promptNode); inputs != nil {
		inputs["text"] = prompt
	}

	sampler := nodes.sampler
	if v, ok := params["sampler_node_id"].(string); ok && v != "" {
		sampler = v
	}
	if sampler != "" {
		if inputs := nodeInputs(out, sampler); inputs != nil {
			for _, key := range []string{"width", "height"} {
				if v, ok := params[key]; ok {
					inputs[key] = v
				}
			}
		}
	}
	return out
}

func copyNode(node interface{}) interface{} {
	m, ok := node.(map[string]interface{})
	if !ok {
		return node
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "inputs" {
			if inputs, ok := v.(map[string]interface{}); ok {
				ic := make(map[string]interface{}, len(inputs))
				for ik, iv := range inputs {
					ic[ik] = iv
				}
				v = ic
			}
		}
		c[k] = v
	}
	return c
}

func nodeInputs(workflow map[string]interface{}, id string) map[string]interface{} {
	node, ok := workflow[id].(map[string]interface{})
	if !ok {
		return nil
	}
	inputs, _ := node["inputs"].(map[string]interface{})
	return inputs
}

func firstOutput(outputs map[string]comfyNodeOutput) (comfyFile, bool) {
	var fallback *comfyFile
	for _, out := range outputs {
		for _, list := range [][]comfyFile{out.Videos, out.Gifs} {
			if len(list) > 0 && list[0].Filename != "" {
				return list[0], true
			}
		}
		if fallback == nil && len(out.Images) > 0 && out.Images[0].Filename != "" {
			f := out.Images[0]
			fallback = &f
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return comfyFile{}, false
}

// executionFailure extracts the execution_error message from a history entry.
func executionFailure(messages []json.RawMessage) *RemoteFailure {
	for _, raw := range messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil || name != "execution_error" {
			continue
		}
		var payload struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &payload); err != nil {
			continue
		}
		msg := strings.TrimSpace(payload.ExceptionMessage)
		if payload.NodeType != "" {
			msg = fmt.Sprintf("%s (node %s)", msg, payload.NodeType)
		}
		return &RemoteFailure{Kind: FailureKindExecution, Message: msg}
	}
	return &RemoteFailure{Kind: FailureKindExecution, Message: "generation failed with unknown error"}
}

// validationFailure turns a rejected /prompt response into a RemoteFailure.
func validationFailure(body []byte) *RemoteFailure {
	var resp comfyErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Type == "" {
		return nil
	}

	msg := resp.Error.Message
	if resp.Error.Details != "" {
		msg = fmt.Sprintf("%s: %s", msg, resp.Error.Details)
	}

	switch resp.Error.Type {
	case "invalid_prompt", "prompt_no_outputs":
		return &RemoteFailure{Kind: FailureKindWorkflow, Message: msg}
	case "missing_node_type":
		return &RemoteFailure{Kind: FailureKindMissingNode, Message: msg}
	case "prompt_outputs_failed_validation":
		for _, node := range resp.NodeErrors {
			for _, e := range node.Errors {
				if e.Type == "value_not_in_list" {
					return &RemoteFailure{
						Kind:    FailureKindMissingModel,
						Message: fmt.Sprintf("%s: %s", e.Message, e.Details),
					}
				}
			}
		}
		return &RemoteFailure{Kind: FailureKindInvalidParameters, Message: msg}
	}
	return nil
}

// Health asks the server for its system stats.
func (c *ComfyUIClient) Health(ctx context.Context) error {
	if !c.IsConfigured() {
		return errors.New("comfyui base url not configured")
	}
	var stats map[string]json.RawMessage
	if err := c.get(ctx, "/system_stats", &stats); err != nil {
		return fmt.Errorf("comfyui health: %w", err)
	}
	return nil
}

// post sends a POST request with JSON body
func (c *ComfyUIClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *ComfyUIClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *ComfyUIClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doRequest executes an HTTP request and parses the response
func (c *ComfyUIClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("→ request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Str("method", req.Method).Str("url", req.URL.String()).Msg("← response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusBadRequest {
			if f := validationFailure(respBody); f != nil {
				return f
			}
		}
		return &APIError{Backend: "comfyui", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("unmarshal error")
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

var _ Generator = (*ComfyUIClient)(nil)
