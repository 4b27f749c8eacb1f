package sideeffect

import (
	"context"

	"github.com/fleetyard/crewflow/internal/config"
)

// DocumentClient renders documents through the document service.
// Implements model.DocumentService.
type DocumentClient struct {
	http *httpClient
}

// NewDocumentClient creates a document service client. Returns nil when no
// URL is configured, which disables certificate generation on dispatch.
func NewDocumentClient(cfg config.ServiceClientConfig) *DocumentClient {
	if cfg.URL == "" {
		return nil
	}
	return &DocumentClient{http: newHTTPClient(cfg)}
}

type generateRequest struct {
	InstanceID   string `json:"instance_id"`
	TemplateType string `json:"template_type"`
}

type generateResponse struct {
	DocumentRef string `json:"document_ref"`
}

// Generate requests a rendered document for a completed instance and
// returns the storage reference of the result.
func (c *DocumentClient) Generate(ctx context.Context, instanceID, templateType string) (string, error) {
	var resp generateResponse
	err := c.http.postJSON(ctx, "/v1/documents", generateRequest{
		InstanceID:   instanceID,
		TemplateType: templateType,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.DocumentRef, nil
}
