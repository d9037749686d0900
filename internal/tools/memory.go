package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/model"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/timing"
	"github.com/mark3labs/mcp-go/mcp"
)

// memoryJSON renders one memory as a client-facing object. Similarity is
// included only on the semantic search path.
func (t *Tools) memoryJSON(m *model.Memory, content string, similarity *float64) map[string]any {
	mem := map[string]any{
		"id":      m.ClientID(t.namespaced()),
		"source":  m.Source,
		"content": content,
		"time":    formatTimeAgo(m.Timestamp, time.Now().UTC()),
	}
	if similarity != nil {
		mem["similarity"] = fmt.Sprintf("%d%%", int(*similarity*100))
	}
	if len(m.Labels) > 0 {
		mem["labels"] = m.Labels
	}
	mem["meta"] = map[string]any{
		"timestamp":       m.Timestamp.UTC().Format(time.RFC3339),
		"embedding_model": t.embed.ModelName(),
		"embedding_dims":  t.embed.Dimension(),
		"encrypted":       m.Enc,
	}
	return mem
}

func notFoundResult(clientID int64) map[string]any {
	return map[string]any{
		"success": false,
		"error":   fmt.Sprintf("❌ Memory #%d not found or access denied", clientID),
	}
}

// resolveID maps a client-facing id to the internal one. The bool is false
// when the id does not exist in the caller's namespace.
func (t *Tools) resolveID(ctx context.Context, clientID int64) (int64, bool, error) {
	var id int64
	err := timing.ObserveDB(ctx, func() error {
		var err error
		id, err = t.store.ResolveMemoryID(ctx, t.cfg.Namespace, clientID)
		return err
	})
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (t *Tools) storeMemory(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	content, err := requireString(req, "content")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(req, "source")
	if err != nil {
		return nil, err
	}
	labelsArg := req.GetArguments()["labels"]

	// Some clients pack every argument into one JSON object string; the
	// embedded values win over the siblings.
	content, jsonLabels, jsonSource := extractJSONParams(content, "content")
	if jsonLabels != nil {
		labelsArg = jsonLabels
	}
	if s, ok := jsonSource.(string); ok {
		source = s
	}

	labels := normalizeLabels(labelsArg)
	if settings := settingsFromContext(ctx); settings != nil {
		if extra := normalizeLabels(settings["store_labels_append"]); len(extra) > 0 {
			labels = append(labels, extra...)
			log.Info("Merged labels from MCP-Settings header", "appended", extra)
		}
	}
	labels = dedupeLabels(labels)

	embedding, err := t.embed.EmbedText(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	table := model.EmbeddingTableName(len(embedding))

	contentBytes := []byte(content)
	encrypted := false
	if t.enc.Enabled() {
		blob, err := t.enc.Encrypt(contentBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt content: %w", err)
		}
		log.Info("Encrypting memory content", "chars", len(content), "bytes", len(blob))
		contentBytes = blob
		encrypted = true
	}

	var sourcePtr *string
	if s := strings.TrimSpace(source); s != "" {
		sourcePtr = &s
	}

	var mem *model.Memory
	var hits []registrystore.DuplicateHit
	err = timing.ObserveDB(ctx, func() error {
		var err error
		mem, hits, err = t.store.CreateMemory(ctx, registrystore.CreateMemoryRequest{
			Content:   contentBytes,
			Enc:       encrypted,
			Namespace: t.cfg.StorageNamespace(),
			Labels:    labels,
			Source:    sourcePtr,
			Embedding: embedding,
			Table:     table,
			Model:     t.embed.ModelName(),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	t.trackLabelTokens(mem.Namespace, labels)

	clientID := mem.ClientID(t.namespaced())
	message := fmt.Sprintf("✅ Memory stored with ID %d", clientID)
	if encrypted {
		message += " 🔐"
	}
	result := map[string]any{
		"current_embedding": t.embed.ModelName(),
		"id":                clientID,
		"source":            sourcePtr,
		"message":           message,
	}
	if warnings := t.duplicateWarnings(hits); len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result, nil
}

// duplicateWarnings tiers the nearest-neighbor probe into advisory messages.
// Hits whose content cannot be decrypted are skipped: the caller cannot
// compare against what they cannot read.
func (t *Tools) duplicateWarnings(hits []registrystore.DuplicateHit) []string {
	var warnings []string
	for _, hit := range hits {
		if hit.Similarity < 0.70 {
			continue
		}
		if _, ok := t.enc.DecodeOrDecrypt(hit.Memory.Content, hit.Memory.Enc); !ok {
			continue
		}
		id := hit.Memory.ClientID(t.namespaced())
		pct := int(hit.Similarity * 100)
		var msg string
		switch {
		case hit.Similarity >= 0.9999:
			msg = fmt.Sprintf("⚠️ Exact match of memory #%d (%d%%) - this content is already stored", id, pct)
		case hit.Similarity >= 0.91:
			msg = fmt.Sprintf("⚠️ Very similar to memory #%d (%d%%) - worth reviewing before keeping both", id, pct)
		case hit.Similarity >= 0.81:
			msg = fmt.Sprintf("⚠️ Explores similar territory to memory #%d (%d%%)", id, pct)
		default:
			msg = fmt.Sprintf("⚠️ Semantically related to memory #%d (%d%%)", id, pct)
		}
		warnings = append(warnings, msg)
	}
	return warnings
}

func (t *Tools) retrieveMemories(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	query, err := optionalString(req, "query")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(req, "source")
	if err != nil {
		return nil, err
	}
	numResults, err := optionalPositiveInt(req, "num_results", 5)
	if err != nil {
		return nil, err
	}
	labelsArg := req.GetArguments()["labels"]

	if strings.TrimSpace(query) != "" {
		var jsonLabels, jsonSource any
		query, jsonLabels, jsonSource = extractJSONParams(query, "query")
		if jsonLabels != nil {
			labelsArg = jsonLabels
		}
		if s, ok := jsonSource.(string); ok {
			source = s
		}
	}

	filters := buildFilters(t.cfg.Namespace, labelsArg, source, !t.enc.Enabled())

	// Oversample when encryption is on so decryption failures do not shrink
	// the page below the requested count.
	fetch := numResults
	if t.enc.Enabled() {
		fetch = numResults * 2
	}

	semantic := strings.TrimSpace(query) != ""
	sq := registrystore.SearchQuery{Filters: filters, Limit: fetch}
	if semantic {
		embedding, err := t.embed.EmbedText(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to get embedding: %w", err)
		}
		sq.Embedding = embedding
		sq.Table = model.EmbeddingTableName(len(embedding))
		sq.Model = t.embed.ModelName()
	}

	var results []registrystore.SearchResult
	err = timing.ObserveDB(ctx, func() error {
		var err error
		results, err = t.store.SearchMemories(ctx, sq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve memories: %w", err)
	}

	memories := make([]map[string]any, 0, numResults)
	for _, r := range results {
		if len(memories) >= numResults {
			break
		}
		content, ok := t.enc.DecodeOrDecrypt(r.Memory.Content, r.Memory.Enc)
		if !ok {
			log.Debug("Skipping memory with unreadable content", "memoryId", r.Memory.ID)
			continue
		}
		var similarity *float64
		if semantic {
			s := r.Similarity
			similarity = &s
		}
		memories = append(memories, t.memoryJSON(&r.Memory, content, similarity))
	}

	result := map[string]any{
		"memories": memories,
		"count":    len(memories),
	}
	if semantic {
		result["current_embedding"] = t.embed.ModelName()
	}
	return result, nil
}

func (t *Tools) getMemory(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	clientID, err := requireMemoryID(req, "memory_id")
	if err != nil {
		return nil, err
	}
	id, found, err := t.resolveID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"error": fmt.Sprintf("❌ Memory #%d not found or access denied", clientID)}, nil
	}

	var m *model.Memory
	err = timing.ObserveDB(ctx, func() error {
		var err error
		m, err = t.store.GetMemory(ctx, id, t.cfg.Namespace)
		return err
	})
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return map[string]any{"error": fmt.Sprintf("❌ Memory #%d not found or access denied", clientID)}, nil
		}
		return nil, err
	}

	content, ok := t.enc.DecodeOrDecrypt(m.Content, m.Enc)
	if !ok {
		if m.Enc {
			return map[string]any{"error": fmt.Sprintf("❌ Memory #%d is encrypted and cannot be decrypted (missing or wrong key)", clientID)}, nil
		}
		return map[string]any{"error": fmt.Sprintf("❌ Memory #%d content could not be decoded", clientID)}, nil
	}
	return t.memoryJSON(m, content, nil), nil
}

func (t *Tools) deleteMemory(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	clientID, err := requireMemoryID(req, "memory_id")
	if err != nil {
		return nil, err
	}
	id, found, err := t.resolveID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !found {
		return notFoundResult(clientID), nil
	}

	var deleted bool
	err = timing.ObserveDB(ctx, func() error {
		var err error
		deleted, err = t.store.DeleteMemory(ctx, id, t.cfg.Namespace)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete memory: %w", err)
	}
	if !deleted {
		return notFoundResult(clientID), nil
	}
	return map[string]any{
		"success": true,
		"message": fmt.Sprintf("✅ Memory #%d deleted successfully", clientID),
	}, nil
}

func (t *Tools) randomMemory(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	source, err := optionalString(req, "source")
	if err != nil {
		return nil, err
	}
	filters := buildFilters(t.cfg.Namespace, req.GetArguments()["labels"], source, !t.enc.Enabled())

	limit := 1
	if t.enc.Enabled() {
		limit = 5
	}
	var mems []model.Memory
	err = timing.ObserveDB(ctx, func() error {
		var err error
		mems, err = t.store.RandomMemories(ctx, filters, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pick a random memory: %w", err)
	}

	for i := range mems {
		content, ok := t.enc.DecodeOrDecrypt(mems[i].Content, mems[i].Enc)
		if !ok {
			log.Debug("Skipping memory with unreadable content", "memoryId", mems[i].ID)
			continue
		}
		return t.memoryJSON(&mems[i], content, nil), nil
	}
	return map[string]any{"error": "❌ No memories found matching the criteria"}, nil
}

func (t *Tools) addLabels(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	return t.mutateLabels(ctx, req, true)
}

func (t *Tools) delLabels(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	return t.mutateLabels(ctx, req, false)
}

func (t *Tools) mutateLabels(ctx context.Context, req mcp.CallToolRequest, add bool) (map[string]any, error) {
	clientID, err := requireMemoryID(req, "memory_id")
	if err != nil {
		return nil, err
	}
	labels := parseLabelsArg(req.GetArguments()["labels"])
	if len(labels) == 0 {
		return map[string]any{
			"success": false,
			"error":   "❌ No valid labels provided",
		}, nil
	}

	id, found, err := t.resolveID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !found {
		return notFoundResult(clientID), nil
	}

	var m *model.Memory
	err = timing.ObserveDB(ctx, func() error {
		var err error
		m, err = t.store.GetMemory(ctx, id, t.cfg.Namespace)
		return err
	})
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return notFoundResult(clientID), nil
		}
		return nil, err
	}

	var updated []string
	var message string
	if add {
		updated = dedupeLabels(append(append([]string{}, m.Labels...), labels...))
		message = fmt.Sprintf("✅ Labels added to memory #%d", clientID)
	} else {
		// Exact, case-sensitive removal; labels not present are ignored.
		remove := make(map[string]bool, len(labels))
		for _, l := range labels {
			remove[l] = true
		}
		updated = make([]string, 0, len(m.Labels))
		for _, l := range m.Labels {
			if !remove[l] {
				updated = append(updated, l)
			}
		}
		message = fmt.Sprintf("✅ Labels removed from memory #%d", clientID)
	}

	err = timing.ObserveDB(ctx, func() error {
		return t.store.UpdateLabels(ctx, id, updated)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update labels: %w", err)
	}
	return map[string]any{
		"success": true,
		"message": message,
		"labels":  updated,
	}, nil
}

func (t *Tools) memoryStats(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	source, err := optionalString(req, "source")
	if err != nil {
		return nil, err
	}
	filters := buildFilters(t.cfg.Namespace, req.GetArguments()["labels"], source, !t.enc.Enabled())

	var stats *registrystore.StatsResult
	err = timing.ObserveDB(ctx, func() error {
		var err error
		stats, err = t.store.CountMemories(ctx, filters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count memories: %w", err)
	}

	filtered := len(filters.IncludeLabels) > 0 || len(filters.ExcludeLabels) > 0 || filters.Source != ""
	if !filtered {
		return map[string]any{"total_memories": stats.Total}, nil
	}

	ratio := 0.0
	if stats.Total > 0 {
		ratio = float64(stats.Matching) / float64(stats.Total)
	}
	result := map[string]any{
		"matching":   stats.Matching,
		"total":      stats.Total,
		"ratio":      ratio,
		"percentage": fmt.Sprintf("%.1f%%", ratio*100),
	}
	if len(stats.LabelsMatched) > 0 {
		result["labels_matched"] = stats.LabelsMatched
	}
	if len(stats.SourcesMatched) > 0 {
		result["sources_matched"] = stats.SourcesMatched
	}
	return result, nil
}
