package letta

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oculair/letta-matrix-bridge/common/retry"
)

type sendMessageRequest struct {
	Messages     []Message `json:"messages"`
	StreamTokens bool      `json:"stream_tokens"`
}

// SendMessage delivers a blocking message to an agent, retrying on 409
// CONVERSATION_BUSY and transient 5xx responses per §4.7's backoff policy
// (max 3 attempts, waiting 1s then 2s). Exhaustion on a 409 surfaces a
// *ConversationBusyError; exhaustion on a 5xx surfaces the wrapped *APIError.
func (c *Client) SendMessage(ctx context.Context, agentID string, messages []Message) (SendMessageResponse, error) {
	var resp SendMessageResponse
	attempts := 0

	cfg := sendMessageRetryConfig
	cfg.ShouldRetry = isRetryableSendError

	err := retry.Do(ctx, cfg, func() error {
		attempts++
		req := sendMessageRequest{Messages: messages}
		return c.do(ctx, c.blocking, "POST", fmt.Sprintf("/v1/agents/%s/messages", agentID), req, &resp)
	})

	if err != nil {
		if isConversationBusy(err) {
			return SendMessageResponse{}, &ConversationBusyError{AgentID: agentID, Attempts: attempts}
		}
		return SendMessageResponse{}, fmt.Errorf("send message to agent %s: %w", agentID, err)
	}
	return resp, nil
}

// RecentMessages fetches the last `limit` step messages for an agent,
// used by RoomManager's history-seeding (§4.4.2).
func (c *Client) RecentMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/agents/%s/messages?limit=%d", agentID, limit)
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("recent messages for agent %s: %w", agentID, err)
	}
	return resp.Messages, nil
}

// StreamStepMessages opens a step-streaming conversation and delivers
// each raw chunk to onChunk as it arrives, until the stream ends or ctx
// is cancelled. onChunk returning an error stops the stream early.
func (c *Client) StreamStepMessages(ctx context.Context, agentID string, messages []Message, includePings bool, onChunk func(StepMessage) error) error {
	req := sendMessageRequest{Messages: messages, StreamTokens: false}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+fmt.Sprintf("/v1/agents/%s/messages/stream", agentID), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if includePings {
		httpReq.Header.Set("X-Include-Pings", "true")
	}

	resp, err := c.blocking.Do(httpReq)
	if err != nil {
		return fmt.Errorf("open stream for agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		const ssePrefix = "data: "
		if len(line) > len(ssePrefix) && string(line[:len(ssePrefix)]) == ssePrefix {
			line = line[len(ssePrefix):]
		}

		var chunk StepMessage
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue // skip malformed/keepalive lines rather than aborting the stream
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return scanner.Err()
}
