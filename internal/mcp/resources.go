package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	activeDeliveriesURI = "jakeops://deliveries/active"
	deliveryURIPrefix   = "jakeops://deliveries/"
)

func (s *Server) registerResources() {
	// Every delivery that is not closed or canceled.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			activeDeliveriesURI,
			"Active Deliveries",
			mcplib.WithResourceDescription("Deliveries that are neither closed nor canceled, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveDeliveries,
	)

	// One delivery in full.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			deliveryURIPrefix+"{id}",
			"Delivery",
			mcplib.WithTemplateDescription("A single delivery with its phase history and runs"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDelivery,
	)
}

func (s *Server) handleActiveDeliveries(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	all, err := s.deliveries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: active deliveries: %w", err)
	}
	active := make([]map[string]any, 0, len(all))
	for _, d := range all {
		if !d.Terminal() {
			active = append(active, compactDelivery(d))
		}
	}
	return jsonContents(activeDeliveriesURI, active)
}

func (s *Server) handleDelivery(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseDeliveryURI(uri)
	if err != nil {
		return nil, err
	}
	d, found, err := s.deliveries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: delivery %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("mcp: delivery not found: %s", id)
	}
	return jsonContents(uri, d)
}

// parseDeliveryURI extracts the id from jakeops://deliveries/{id}.
func parseDeliveryURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, deliveryURIPrefix)
	if !ok || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid delivery URI: %s", uri)
	}
	if id == "" {
		return "", fmt.Errorf("mcp: invalid delivery URI: empty id")
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
