package letta

import (
	"context"
	"fmt"
	"net/url"
)

// maxListAgentsPages caps pagination so a misbehaving server (cursor
// that never terminates) can't loop the provisioning engine forever.
const maxListAgentsPages = 10

type listAgentsResponse struct {
	Agents     []Agent `json:"agents"`
	NextCursor string  `json:"next_cursor"`
}

// ListAgents fetches one page of agents.
func (c *Client) ListAgents(ctx context.Context, cursor string, limit int) (AgentPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("after", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	path := "/v1/agents"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp listAgentsResponse
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &resp); err != nil {
		return AgentPage{}, fmt.Errorf("list agents: %w", err)
	}
	return AgentPage{Agents: resp.Agents, NextCursor: resp.NextCursor}, nil
}

// ListAllAgents pages through ListAgents, deduping by id and stopping
// after maxListAgentsPages pages even if the server keeps returning a
// next_cursor (§4.5 step 4).
func (c *Client) ListAllAgents(ctx context.Context, pageSize int) ([]Agent, error) {
	seen := map[string]bool{}
	var all []Agent
	cursor := ""

	for page := 0; page < maxListAgentsPages; page++ {
		resp, err := c.ListAgents(ctx, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		for _, a := range resp.Agents {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			all = append(all, a)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	return all, nil
}

// GetAgent fetches a single agent by id.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.do(ctx, c.httpClient, "GET", "/v1/agents/"+agentID, nil, &agent); err != nil {
		return Agent{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// EmbeddingConfigFor implements §4.9's _get_embedding_config: prefer the
// agent's own embedding_config; fall back to the process default on any
// lookup failure or when the agent has none set.
func (c *Client) EmbeddingConfigFor(ctx context.Context, agentID string) EmbeddingConfig {
	if agentID == "" {
		return c.cfg.DefaultEmbedding
	}
	agent, err := c.GetAgent(ctx, agentID)
	if err != nil || agent.EmbeddingConfig.Model == "" {
		return c.cfg.DefaultEmbedding
	}
	return agent.EmbeddingConfig
}
