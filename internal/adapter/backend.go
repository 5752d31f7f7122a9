package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/protocol"
)

// ErrRateLimited signals the backend rejected a call for quota
// reasons; the executor retries these with backoff.
var ErrRateLimited = errors.New("backend rate limited")

// Chunk is one unit of a backend's native streaming output before
// normalization.
type Chunk struct {
	Text   string
	Tool   string // tool name, when this chunk is a tool lifecycle event
	ToolOp string // "started" | "completed" | "failed"
	Reason string // failure detail for ToolOp "failed"
	Done   bool
	Usage  *protocol.Usage
}

// Backend is the minimal surface an agent service must expose to the
// executor: session creation plus a streamed message exchange.
type Backend interface {
	// CreateSession opens a fresh remote conversation and returns its id.
	CreateSession(ctx context.Context) (string, error)
	// Send delivers a message into a remote session and streams the
	// agent's response. The channel closes after a Done chunk or on
	// stream error.
	Send(ctx context.Context, sessionID string, msg protocol.Message) (<-chan Chunk, error)
}

// HTTPBackend drives a remote agent over its task protocol endpoints:
// POST /sessions to open a conversation, POST /sessions/{id}/tasks
// with an SSE response stream for each exchange.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPBackend creates a backend client for one agent service.
func NewHTTPBackend(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPBackend {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateSession opens a remote session.
func (b *HTTPBackend) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/sessions", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("agent error %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return out.SessionID, nil
}

// Send posts a message and streams the SSE response.
func (b *HTTPBackend) Send(ctx context.Context, sessionID string, msg protocol.Message) (<-chan Chunk, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/sessions/%s/tasks", b.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send task: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent error %d: %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan Chunk, 64)
	go b.readStream(resp.Body, ch)
	return ch, nil
}

// sseFrame is the wire shape of one data: frame from an agent stream.
type sseFrame struct {
	Type string `json:"type"` // "text" | "tool_call" | "done"
	Text string `json:"text,omitempty"`
	Tool struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	} `json:"tool,omitempty"`
	Usage *protocol.Usage `json:"usage,omitempty"`
}

func (b *HTTPBackend) readStream(body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 1024)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+2:]
				if len(line) <= 6 || line[:6] != "data: " {
					continue
				}
				var frame sseFrame
				if json.Unmarshal([]byte(line[6:]), &frame) != nil {
					continue
				}
				switch frame.Type {
				case "text":
					ch <- Chunk{Text: frame.Text}
				case "tool_call":
					ch <- Chunk{Tool: frame.Tool.Name, ToolOp: frame.Tool.Status, Reason: frame.Tool.Reason}
				case "done":
					ch <- Chunk{Done: true, Usage: frame.Usage}
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
