package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// ListFolders lists data-source folders, optionally filtered by name.
func (c *Client) ListFolders(ctx context.Context, name string) ([]Folder, error) {
	path := "/v1/sources"
	if name != "" {
		path += "?name=" + name
	}
	var folders []Folder
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &folders); err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// CreateFolder creates a new data-source folder with the given embedding
// config (the agent's own, or the process default — see EmbeddingConfigFor).
func (c *Client) CreateFolder(ctx context.Context, name, description string, embedding EmbeddingConfig) (Folder, error) {
	req := map[string]any{
		"name":             name,
		"description":      description,
		"embedding_config": embedding,
	}
	var folder Folder
	if err := c.do(ctx, c.httpClient, "POST", "/v1/sources", req, &folder); err != nil {
		return Folder{}, fmt.Errorf("create folder %s: %w", name, err)
	}
	return folder, nil
}

// UploadFileToFolder uploads a file into a folder and returns the
// background-processing job id.
func (c *Client) UploadFileToFolder(ctx context.Context, folderID, filename string, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	url := c.cfg.BaseURL + fmt.Sprintf("/v1/sources/%s/upload", folderID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file to folder %s: %w", folderID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return result.JobID, nil
}

// ListFilesInFolder lists files (and their processing status) in a folder.
func (c *Client) ListFilesInFolder(ctx context.Context, folderID string) ([]FileStatus, error) {
	var files []FileStatus
	path := fmt.Sprintf("/v1/sources/%s/files", folderID)
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &files); err != nil {
		return nil, fmt.Errorf("list files in folder %s: %w", folderID, err)
	}
	return files, nil
}

// AttachFolderToAgent attaches a folder as an agent's data source.
func (c *Client) AttachFolderToAgent(ctx context.Context, agentID, folderID string) error {
	path := fmt.Sprintf("/v1/agents/%s/sources/attach/%s", agentID, folderID)
	if err := c.do(ctx, c.httpClient, "PATCH", path, nil, nil); err != nil {
		return fmt.Errorf("attach folder %s to agent %s: %w", folderID, agentID, err)
	}
	return nil
}

// ListAttachedFolders lists folders attached to an agent.
func (c *Client) ListAttachedFolders(ctx context.Context, agentID string) ([]Folder, error) {
	var folders []Folder
	path := fmt.Sprintf("/v1/agents/%s/sources", agentID)
	if err := c.do(ctx, c.httpClient, "GET", path, nil, &folders); err != nil {
		return nil, fmt.Errorf("list attached folders for %s: %w", agentID, err)
	}
	return folders, nil
}
