package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TransformResponse — трансформация из API.
type TransformResponse struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	ResourceID   string         `json:"resource_id"`
	Kind         string         `json:"kind"`
	Enabled      bool           `json:"enabled"`
	CurrentRunID string         `json:"current_run_id"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// StatsResponse — счётчики прогона из API.
type StatsResponse struct {
	TransformID       string `json:"transform_id"`
	RunID             string `json:"run_id"`
	DispatchedBatches int64  `json:"dispatched_batches"`
	DispatchedUnits   int64  `json:"dispatched_units"`
	Completed         int64  `json:"completed"`
	Failed            int64  `json:"failed"`
	InFlight          int64  `json:"in_flight"`
	Outstanding       int64  `json:"outstanding"`
	Done              bool   `json:"done"`
	LastDispatchAt    string `json:"last_dispatch_at,omitempty"`
	LastActivityAt    string `json:"last_activity_at,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

// PendingResponse — запись pending ledger из API.
type PendingResponse struct {
	ID          string `json:"id"`
	BatchType   string `json:"batch_type"`
	TransformID string `json:"transform_id"`
	UnitKey     string `json:"unit_key"`
	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	LastError   string `json:"last_error,omitempty"`
	NextRetryAt string `json:"next_retry_at"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ReconciliationRunResponse — прогон reconciliation из API.
type ReconciliationRunResponse struct {
	ID            string `json:"id"`
	RunType       string `json:"run_type"`
	TransformID   string `json:"transform_id,omitempty"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	OrphanedFound int    `json:"orphaned_batches_found"`
	Recovered     int    `json:"batches_recovered"`
	CleanedUp     int    `json:"batches_cleaned_up"`
	Expired       int    `json:"batches_expired"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// EventResponse — status-событие из /api/v1/events.
type EventResponse struct {
	Type        string `json:"type"`
	Kind        string `json:"kind"`
	JobID       string `json:"job_id"`
	TransformID string `json:"transform_id"`
	RunID       string `json:"run_id"`
	UnitKey     string `json:"unit_key"`
	OwnerID     string `json:"owner_id"`
	ResourceID  string `json:"resource_id"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// AddUnitsResponse — результат регистрации единиц.
type AddUnitsResponse struct {
	TransformID string `json:"transform_id"`
	Accepted    int    `json:"accepted"`
}

// --- Request types ---

// CreateTransformRequest — создание трансформации.
type CreateTransformRequest struct {
	OwnerID    string         `json:"owner_id"`
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// Unit — единица работы для регистрации.
type Unit struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ListPendingOpts — параметры фильтрации pending ledger.
type ListPendingOpts struct {
	TransformID string
	Status      string
	Limit       int
}

// EventsOpts — фильтр потока событий.
type EventsOpts struct {
	OwnerID     string
	ResourceID  string
	TransformID string
	Kind        string
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Transforms ---

// ListTransforms возвращает все трансформации.
func (c *Client) ListTransforms() ([]TransformResponse, error) {
	var transforms []TransformResponse
	err := c.list("/api/v1/transforms", nil, &transforms)
	return transforms, err
}

// CreateTransform создаёт трансформацию.
func (c *Client) CreateTransform(req CreateTransformRequest) (*TransformResponse, error) {
	var t TransformResponse
	err := c.post("/api/v1/transforms", req, &t)
	return &t, err
}

// GetTransform возвращает трансформацию по ID.
func (c *Client) GetTransform(id string) (*TransformResponse, error) {
	var t TransformResponse
	err := c.get("/api/v1/transforms/"+id, &t)
	return &t, err
}

// StartRun начинает новый прогон трансформации.
func (c *Client) StartRun(id string) (*TransformResponse, error) {
	var t TransformResponse
	err := c.post("/api/v1/transforms/"+id+"/runs", nil, &t)
	return &t, err
}

// AddUnits регистрирует единицы работы.
func (c *Client) AddUnits(id string, units []Unit) (*AddUnitsResponse, error) {
	body := map[string][]Unit{"units": units}
	var resp AddUnitsResponse
	err := c.post("/api/v1/transforms/"+id+"/units", body, &resp)
	return &resp, err
}

// --- Stats ---

// GetStats возвращает счётчики текущего прогона.
func (c *Client) GetStats(id string) (*StatsResponse, error) {
	var st StatsResponse
	err := c.get("/api/v1/transforms/"+id+"/stats", &st)
	return &st, err
}

// ListStats возвращает счётчики всех трансформаций.
func (c *Client) ListStats() ([]StatsResponse, error) {
	var stats []StatsResponse
	err := c.list("/api/v1/stats", nil, &stats)
	return stats, err
}

// --- Ledger ---

// ListPending возвращает записи pending ledger.
func (c *Client) ListPending(opts ListPendingOpts) ([]PendingResponse, error) {
	params := url.Values{}
	if opts.TransformID != "" {
		params.Set("transform_id", opts.TransformID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var entries []PendingResponse
	err := c.list("/api/v1/pending", params, &entries)
	return entries, err
}

// ListReconciliationRuns возвращает журнал reconciliation.
func (c *Client) ListReconciliationRuns(transformID string, limit int) ([]ReconciliationRunResponse, error) {
	params := url.Values{}
	if transformID != "" {
		params.Set("transform_id", transformID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var runs []ReconciliationRunResponse
	err := c.list("/api/v1/reconciliation-runs", params, &runs)
	return runs, err
}

// --- Events ---

// StreamEvents читает поток status-событий до отмены ctx
// или закрытия соединения сервером.
func (c *Client) StreamEvents(ctx context.Context, opts EventsOpts, fn func(EventResponse)) error {
	params := url.Values{}
	if opts.OwnerID != "" {
		params.Set("owner", opts.OwnerID)
	}
	if opts.ResourceID != "" {
		params.Set("resource", opts.ResourceID)
	}
	if opts.TransformID != "" {
		params.Set("transform_id", opts.TransformID)
	}
	if opts.Kind != "" {
		params.Set("kind", opts.Kind)
	}

	wsURL, err := websocketURL(c.baseURL + "/api/v1/events?" + params.Encode())
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := c.checkError(resp); apiErr != nil {
				return apiErr
			}
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Закрываем соединение при отмене, чтобы прервать ReadJSON
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var ev EventResponse
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		fn(ev)
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(lr.Data) == 0 || string(lr.Data) == "null" {
		return nil
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
