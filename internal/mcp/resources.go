package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"hoverreply/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"hoverreply://about",
			"Hover Reply About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, shortcuts and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"hoverreply://batch/latest",
			"Latest Reply Batch",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The most recent reply batch of every open chat."),
		),
		s.handleLatestBatchResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"hoverreply://journal/{predicate}{?limit}",
			"Journal Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent buffered journal facts of one predicate."),
		),
		s.handleJournalResource,
	)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Ctrl+Click or right-click a message to lock it and generate replies.",
			"Ctrl+L locks the hovered message, Ctrl+U unlocks. Both are ignored inside inputs.",
			"Hovering the locked message regenerates unless its replies are already showing.",
			"Batches that finish after the lock moved are dropped and journaled as stale_batch.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleLatestBatchResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	batches := make([]interface{}, 0)
	for _, sess := range s.app.Sessions() {
		if b, ok := sess.LastBatch(); ok {
			batches = append(batches, map[string]interface{}{
				"session_id": sess.ID,
				"batch":      b,
			})
		}
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"count":   len(batches),
		"batches": batches,
	})
}

func (s *Server) handleJournalResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	engine := s.app.Journal()
	if engine == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit, _ := strconv.Atoi(argString(request.Params.Arguments["limit"]))
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	facts := recentFacts(engine, predicate, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

// recentFacts returns the newest limit facts of predicate in chronological
// order.
func recentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	source := engine.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}
