package letta

import (
	"context"
	"fmt"
)

// ListBlocks lists memory blocks, optionally filtered by label.
func (c *Client) ListBlocks(ctx context.Context, label string) ([]Block, error) {
	path := "/v1/blocks"
	if label != "" {
		path += "?label=" + label
	}
	var blocks []Block
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &blocks); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

// CreateBlock creates a new memory block.
func (c *Client) CreateBlock(ctx context.Context, label, value string) (Block, error) {
	var block Block
	req := map[string]string{"label": label, "value": value}
	if err := c.do(ctx, c.httpClient, "POST", "/v1/blocks", req, &block); err != nil {
		return Block{}, fmt.Errorf("create block: %w", err)
	}
	return block, nil
}

// UpdateBlock replaces a block's value.
func (c *Client) UpdateBlock(ctx context.Context, blockID, value string) error {
	req := map[string]string{"value": value}
	if err := c.do(ctx, c.httpClient, "PATCH", "/v1/blocks/"+blockID, req, nil); err != nil {
		return fmt.Errorf("update block %s: %w", blockID, err)
	}
	return nil
}

// AttachBlockToAgent attaches an existing block to an agent's memory.
func (c *Client) AttachBlockToAgent(ctx context.Context, agentID, blockID string) error {
	path := fmt.Sprintf("/v1/agents/%s/core-memory/blocks/attach/%s", agentID, blockID)
	if err := c.do(ctx, c.httpClient, "PATCH", path, nil, nil); err != nil {
		return fmt.Errorf("attach block %s to agent %s: %w", blockID, agentID, err)
	}
	return nil
}

// DetachBlockFromAgent removes a block from an agent's memory.
func (c *Client) DetachBlockFromAgent(ctx context.Context, agentID, blockID string) error {
	path := fmt.Sprintf("/v1/agents/%s/core-memory/blocks/detach/%s", agentID, blockID)
	if err := c.do(ctx, c.httpClient, "PATCH", path, nil, nil); err != nil {
		return fmt.Errorf("detach block %s from agent %s: %w", blockID, agentID, err)
	}
	return nil
}

// ListAttachedBlocks lists the blocks currently attached to an agent.
func (c *Client) ListAttachedBlocks(ctx context.Context, agentID string) ([]Block, error) {
	var blocks []Block
	path := fmt.Sprintf("/v1/agents/%s/core-memory/blocks", agentID)
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &blocks); err != nil {
		return nil, fmt.Errorf("list attached blocks for %s: %w", agentID, err)
	}
	return blocks, nil
}
