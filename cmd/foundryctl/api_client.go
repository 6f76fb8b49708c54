package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/videofoundry/api/internal/model"
	"github.com/videofoundry/api/pkg/response"
)

// apiClient is a thin JSON client for the HTTP API.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx answer from the API.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

func (c *apiClient) ListSegments(ctx context.Context, projectID string) ([]model.SegmentResponse, error) {
	var out []model.SegmentResponse
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/segments", nil, &out)
	return out, err
}

func (c *apiClient) CreateSegment(ctx context.Context, projectID string, req *model.CreateSegmentRequest) (*model.SegmentResponse, error) {
	var out model.SegmentResponse
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/segments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) UpdateSegment(ctx context.Context, segmentID string, req *model.UpdateSegmentRequest) (*model.SegmentResponse, error) {
	var out model.SegmentResponse
	if err := c.do(ctx, http.MethodPut, "/api/segments/"+url.PathEscape(segmentID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) DeleteSegment(ctx context.Context, segmentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/segments/"+url.PathEscape(segmentID), nil, nil)
}

func (c *apiClient) RetrySegment(ctx context.Context, segmentID string) (*model.SegmentResponse, error) {
	var out model.SegmentResponse
	if err := c.do(ctx, http.MethodPost, "/api/segments/"+url.PathEscape(segmentID)+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) StartRender(ctx context.Context, projectID string) (*model.RenderJobResponse, error) {
	var out model.RenderJobResponse
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/render", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListRenderJobs(ctx context.Context, projectID string) ([]model.RenderJobResponse, error) {
	var out []model.RenderJobResponse
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/render-jobs", nil, &out)
	return out, err
}

func (c *apiClient) GetRenderJob(ctx context.Context, jobID string) (*model.RenderJobResponse, error) {
	var out model.RenderJobResponse
	if err := c.do(ctx, http.MethodGet, "/api/render-jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) CancelRender(ctx context.Context, jobID string) (*model.RenderCancelResponse, error) {
	var out model.RenderCancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/render-jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope response.ErrorResponse
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
