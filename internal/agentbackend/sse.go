package agentbackend

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/logger"
)

// Reconnect policy constants mirror the upstream OpenCode SSE adapter:
// capped exponential backoff with jitter, bounded attempt count.
const (
	maxReconnectAttempts = 50
	baseBackoff          = 500 * time.Millisecond
	maxBackoff           = 30 * time.Second
)

// ConnectionState tracks one SSEClient's lifecycle for observability.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// SSEClient maintains a persistent SSE connection to a backend's event
// endpoint, translating native frames into Events and auto-reconnecting
// with exponential backoff on transport failure.
type SSEClient struct {
	sessionID string
	url       string
	headers   map[string]string
	log       *logger.Logger

	httpClient *http.Client

	mu    sync.RWMutex
	state ConnectionState
}

func NewSSEClient(sessionID, url string, headers map[string]string, log *logger.Logger) *SSEClient {
	return &SSEClient{
		sessionID:  sessionID,
		url:        url,
		headers:    headers,
		log:        log,
		httpClient: &http.Client{}, // no timeout: the connection is meant to be long-lived
		state:      StateDisconnected,
	}
}

func (c *SSEClient) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *SSEClient) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run streams translated events to onEvent until ctx is cancelled or
// the reconnect budget is exhausted. It returns only on permanent
// failure or context cancellation, emitting AgentDisconnected/
// AgentReconnecting/Error events along the way so the caller can
// surface connection health without polling State().
func (c *SSEClient) Run(ctx context.Context, onEvent func(*Event)) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if attempt > 0 {
			c.setState(StateReconnecting)
			delay := backoffDelay(attempt)
			onEvent(&Event{Type: EventAgentReconnecting, SessionID: c.sessionID, Attempt: attempt, DelayMillis: delay.Milliseconds()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else {
			c.setState(StateConnecting)
		}

		err := c.connectAndStream(ctx, onEvent)
		if err == nil {
			attempt = 0
			c.log.Info("agent backend SSE stream ended cleanly", zap.String("session_id", c.sessionID))
			continue
		}

		attempt++
		c.log.Warn("agent backend SSE connection failed",
			zap.String("session_id", c.sessionID), zap.Int("attempt", attempt), zap.Error(err))
		onEvent(&Event{Type: EventAgentDisconnected, SessionID: c.sessionID, Reason: err.Error()})

		if attempt >= maxReconnectAttempts {
			c.setState(StateFailed)
			onEvent(&Event{Type: EventSessionError, SessionID: c.sessionID, ErrorType: "ConnectionFailed",
				ErrorMessage: fmt.Sprintf("failed to connect after %d attempts", maxReconnectAttempts)})
			return
		}
	}
}

func (c *SSEClient) connectAndStream(ctx context.Context, onEvent func(*Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	defer resp.Body.Close()

	c.setState(StateConnected)
	onEvent(&Event{Type: EventAgentConnected, SessionID: c.sessionID})
	c.log.Debug("agent backend SSE stream connected", zap.String("session_id", c.sessionID))

	return c.scan(ctx, resp.Body, onEvent)
}

// scan implements the SSE line protocol directly: "data: " lines
// accumulate, "event: " lines record the frame's name, and a blank
// line flushes the accumulated frame for translation.
func (c *SSEClient) scan(ctx context.Context, body io.Reader, onEvent func(*Event)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuf strings.Builder
	var eventName string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case line == "" && dataBuf.Len() > 0:
			data := strings.TrimSpace(dataBuf.String())
			dataBuf.Reset()
			name := eventName
			eventName = ""
			if data == "" {
				continue
			}
			if ev := TranslateSSEEvent(c.sessionID, name, []byte(data)); ev != nil {
				onEvent(ev)
			}
		}
	}
	return scanner.Err()
}

func backoffDelay(attempt int) time.Duration {
	exp := attempt
	if exp > 10 {
		exp = 10
	}
	delay := baseBackoff * time.Duration(1<<uint(exp))
	delay += time.Duration(float64(delay) * 0.2 * randFloat())
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func randFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
