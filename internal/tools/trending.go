package tools

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/model"
	"github.com/chirino/mcp-memory/internal/timing"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	tokenSplitRE = regexp.MustCompile(`[-_\s]+`)
	dateLabelRE  = regexp.MustCompile(`^\d{4}[-/_.]\d{1,2}[-/_.]\d{1,2}$`)
)

// tokenizeLabel splits a label into lowercase tokens on '-', '_' and
// whitespace. Date-shaped labels produce no tokens: they spike by calendar,
// not by topic.
func tokenizeLabel(label string) []string {
	label = strings.TrimSpace(label)
	if label == "" || isDateShapedLabel(label) {
		return nil
	}
	parts := tokenSplitRE.Split(strings.ToLower(label), -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func isDateShapedLabel(label string) bool {
	return dateLabelRE.MatchString(label)
}

// trackLabelTokens bumps the token counters for a stored memory's labels.
// It runs in the background so a slow or failing bump never delays the
// store_memory response.
func (t *Tools) trackLabelTokens(namespace string, labels []string) {
	counts := map[string]int{}
	for _, label := range labels {
		for _, token := range tokenizeLabel(label) {
			counts[token]++
		}
	}
	if len(counts) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.store.BumpLabelTokens(ctx, namespace, counts); err != nil {
			log.Warn("Failed to track label tokens", "err", err)
		}
	}()
}

func (t *Tools) trendingLabels(ctx context.Context, req mcp.CallToolRequest) (map[string]any, error) {
	days, err := optionalPositiveInt(req, "days", 30)
	if err != nil {
		return nil, err
	}
	limit, err := optionalPositiveInt(req, "limit", 10)
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	var tokens []model.LabelToken
	err = timing.ObserveDB(ctx, func() error {
		var err error
		tokens, err = t.store.LabelTokensSince(ctx, t.cfg.Namespace, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	empty := map[string]any{"trending_labels": []any{}, "days": days, "count": 0}
	if len(tokens) == 0 {
		return empty, nil
	}

	// Exponential decay: a token used <days> ago weighs e^-3 of one used now.
	lambda := 3.0 / float64(days)
	now := time.Now().UTC()
	scores := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		ageDays := now.Sub(tok.LastSeen).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		scores[tok.Token] = float64(tok.Count) * math.Exp(-lambda*ageDays)
	}

	type scored struct {
		token string
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for tok, s := range scores {
		ranked = append(ranked, scored{tok, s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].token < ranked[j].token
	})
	k := 3 * limit
	if k < 10 {
		k = 10
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	hot := make(map[string]float64, k)
	for _, r := range ranked[:k] {
		hot[r.token] = r.score
	}

	// Reverse-match: a label trends when any of its tokens is hot.
	var counts map[string]int64
	err = timing.ObserveDB(ctx, func() error {
		var err error
		counts, err = t.store.LabelCounts(ctx, t.cfg.Namespace)
		return err
	})
	if err != nil {
		return nil, err
	}

	type candidate struct {
		label string
		count int64
		token string
		score float64
	}
	var candidates []candidate
	for label, count := range counts {
		best := candidate{label: label, count: count}
		for _, tok := range tokenizeLabel(label) {
			if s, ok := hot[tok]; ok && s > best.score {
				best.token = tok
				best.score = s
			}
		}
		if best.token != "" {
			candidates = append(candidates, best)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].label < candidates[j].label
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	entries := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, map[string]any{
			"label": c.label,
			"count": c.count,
			"token": c.token,
		})
	}
	return map[string]any{
		"trending_labels": entries,
		"days":            days,
		"count":           len(entries),
	}, nil
}
