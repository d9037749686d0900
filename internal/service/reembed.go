// Package service holds background workers. The re-embedder backfills
// embedding rows for a new model without blocking the request that started
// it.
package service

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/encryption"
	registryembed "github.com/chirino/mcp-memory/internal/registry/embed"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
)

const reembedBatchSize = 100

// Reembedder scans memories lacking an embedding row for (table, model),
// embeds their content and inserts the missing rows. Failures are per-item
// best effort: logged, counted, and the scan continues.
type Reembedder struct {
	Store registrystore.MemoryStore
	Embed registryembed.Embedder
	Enc   *encryption.Encryptor
	Table string
	// Namespace scopes the scan; nil processes all namespaces.
	Namespace *string
}

// Run executes the backfill until no unprocessed memory remains or the
// context is canceled. Meant to be launched on its own goroutine.
func (r *Reembedder) Run(ctx context.Context) {
	model := r.Embed.ModelName()
	nsDisplay := "(all namespaces)"
	if r.Namespace != nil {
		nsDisplay = *r.Namespace
	}
	log.Info("Starting re-embedding job", "model", model, "namespace", nsDisplay, "table", r.Table)

	var processed, skipped, errors int
	// Skipped memories never gain the state marker, so the scan would return
	// them forever. Remember them and stop once a batch holds nothing new.
	seen := map[int64]bool{}

	for {
		if ctx.Err() != nil {
			log.Warn("Re-embedding job canceled", "processed", processed, "skipped", skipped, "errors", errors)
			return
		}

		batch, err := r.Store.MemoriesMissingEmbedding(ctx, r.Table, model, r.Namespace, reembedBatchSize)
		if err != nil {
			log.Error("Re-embedding job failed to list memories", "err", err)
			return
		}

		progressed := false
		for i := range batch {
			m := &batch[i]
			if seen[m.ID] {
				continue
			}
			progressed = true

			content, ok := r.Enc.DecodeOrDecrypt(m.Content, m.Enc)
			if !ok {
				if m.Enc {
					log.Warn("Skipping memory: encrypted but no working encryption key", "memoryId", m.ID)
				} else {
					log.Warn("Skipping memory: could not decode content", "memoryId", m.ID)
				}
				seen[m.ID] = true
				skipped++
				continue
			}

			vec, err := r.Embed.EmbedText(ctx, content)
			if err != nil {
				log.Error("Error re-embedding memory", "memoryId", m.ID, "err", err)
				seen[m.ID] = true
				errors++
				continue
			}

			if _, err := r.Store.InsertEmbedding(ctx, m.ID, r.Table, model, m.Namespace, vec); err != nil {
				log.Error("Error inserting embedding", "memoryId", m.ID, "err", err)
				seen[m.ID] = true
				errors++
				continue
			}
			if err := r.Store.AddEmbeddingToState(ctx, m.ID, r.Table, model); err != nil {
				log.Error("Error updating memory state", "memoryId", m.ID, "err", err)
				seen[m.ID] = true
				errors++
				continue
			}

			processed++
			if processed%10 == 0 {
				log.Info("Re-embedding progress", "processed", processed)
			}
		}

		if !progressed {
			break
		}
	}

	if processed+skipped+errors == 0 {
		log.Info("No memories need re-embedding", "model", model)
		return
	}
	log.Info("Re-embedding complete", "processed", processed, "skipped", skipped, "errors", errors)
}
