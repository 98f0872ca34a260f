// Package retrieval assembles query context: it embeds the query, fans out
// to the vector and lexical search legs concurrently, fuses the ranked
// lists with reciprocal rank fusion, and optionally compresses the result
// to a token budget.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/embedding"
	"github.com/ensembleworks/ensemble/internal/index"
	"github.com/ensembleworks/ensemble/internal/log"
)

var (
	// ErrUnavailable indicates no search leg produced a result. Callers
	// decide whether to answer without context or fail the turn.
	ErrUnavailable = errors.New("retrieval unavailable")

	// ErrEmptyQuery indicates a blank query.
	ErrEmptyQuery = errors.New("retrieval query is empty")
)

// DefaultRRFK is the reciprocal rank fusion constant: each leg contributes
// 1/(k + rank) to a hit's fused score.
const DefaultRRFK = 60

// Context is one retrieved chunk with provenance for citation.
type Context struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Content    string
	SourceURI  string
	Score      float64
	IngestedAt time.Time
}

// Result is an ordered context set. Degraded reports that one search leg
// failed and the other carried the result alone.
type Result struct {
	Contexts []Context
	Degraded bool
}

// TokenCount sums the token estimate over all contexts.
func (r *Result) TokenCount() int {
	total := 0
	for _, c := range r.Contexts {
		total += document.CountTokens(c.Content)
	}
	return total
}

// Searcher is the slice of the vector index the pipeline consumes.
type Searcher interface {
	Search(ctx context.Context, vector []float32, opts index.SearchOptions) ([]index.ScoredRecord, error)
	SearchLexical(ctx context.Context, query string, opts index.SearchOptions) ([]index.ScoredRecord, error)
}

// Config tunes the pipeline.
type Config struct {
	// TopK is the number of contexts returned after fusion.
	TopK int
	// RRFK is the fusion constant; non-positive uses DefaultRRFK.
	RRFK int
	// Hybrid enables the lexical leg alongside vector search.
	Hybrid bool
	// CompressTokenBudget caps the total token estimate of the result;
	// zero disables compression.
	CompressTokenBudget int
}

// Pipeline is the retrieval orchestration. Safe for concurrent use.
type Pipeline struct {
	embedder embedding.Client
	searcher Searcher
	cfg      Config
	logger   log.Logger
}

// New creates a pipeline.
func New(embedder embedding.Client, searcher Searcher, cfg Config, logger log.Logger) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = index.DefaultTopK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{embedder: embedder, searcher: searcher, cfg: cfg, logger: logger}
}

// Options narrow one retrieval call.
type Options struct {
	// TopK overrides the configured result count when positive.
	TopK int
	// Filter restricts hits by payload containment.
	Filter map[string]string
}

// Retrieve returns fused context for query, best first. An empty index or
// a query with no candidates yields an empty result. When one leg fails
// the other serves alone and the result is marked degraded; only both
// legs failing is an error.
func (p *Pipeline) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	topK := p.cfg.TopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}

	// Each leg fetches more than topK so fusion has real overlap to rank.
	legOpts := index.SearchOptions{TopK: legDepth(topK), Filter: opts.Filter}

	var (
		vectorHits, lexicalHits []index.ScoredRecord
		vectorErr, lexicalErr   error
	)

	// Legs run concurrently and fail independently; errors are collected,
	// never propagated through the group.
	var g errgroup.Group
	g.Go(func() error {
		vectorHits, vectorErr = p.vectorLeg(ctx, query, legOpts)
		return nil
	})
	if p.cfg.Hybrid {
		g.Go(func() error {
			lexicalHits, lexicalErr = p.searcher.SearchLexical(ctx, query, legOpts)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case vectorErr == nil && (!p.cfg.Hybrid || lexicalErr == nil):
		// Full result set.
	case vectorErr != nil && p.cfg.Hybrid && lexicalErr == nil:
		p.logger.Warn("vector leg failed, serving lexical results only", "error", vectorErr)
		return p.finish(lexicalHits, topK, true), nil
	case vectorErr == nil && p.cfg.Hybrid && lexicalErr != nil:
		p.logger.Warn("lexical leg failed, serving vector results only", "error", lexicalErr)
		return p.finish(vectorHits, topK, true), nil
	default:
		err := fmt.Errorf("%w: vector leg: %w", ErrUnavailable, vectorErr)
		if p.cfg.Hybrid && lexicalErr != nil {
			err = fmt.Errorf("%w; lexical leg: %w", err, lexicalErr)
		}
		return nil, err
	}

	if !p.cfg.Hybrid {
		return p.finish(vectorHits, topK, false), nil
	}

	fused := fuse([][]index.ScoredRecord{vectorHits, lexicalHits}, p.cfg.RRFK)
	return p.finish(fused, topK, false), nil
}

// vectorLeg embeds the query and runs the ANN search.
func (p *Pipeline) vectorLeg(ctx context.Context, query string, opts index.SearchOptions) ([]index.ScoredRecord, error) {
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := p.searcher.Search(ctx, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// fuse merges ranked lists with reciprocal rank fusion. A hit appearing in
// several lists accumulates 1/(k + rank) per list, rank counted from 1.
// Ties order by earliest ingestion, then chunk ID for determinism.
func fuse(lists [][]index.ScoredRecord, k int) []index.ScoredRecord {
	type fusedHit struct {
		rec   index.ScoredRecord
		score float64
	}
	byChunk := make(map[uuid.UUID]*fusedHit)

	for _, list := range lists {
		for rank, rec := range list {
			hit, ok := byChunk[rec.ChunkID]
			if !ok {
				hit = &fusedHit{rec: rec}
				byChunk[rec.ChunkID] = hit
			}
			hit.score += 1.0 / float64(k+rank+1)
		}
	}

	fused := make([]index.ScoredRecord, 0, len(byChunk))
	for _, hit := range byChunk {
		rec := hit.rec
		rec.Score = hit.score
		fused = append(fused, rec)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if !fused[i].IngestedAt.Equal(fused[j].IngestedAt) {
			return fused[i].IngestedAt.Before(fused[j].IngestedAt)
		}
		return fused[i].ChunkID.String() < fused[j].ChunkID.String()
	})
	return fused
}

// finish truncates, converts, and compresses a ranked hit list.
func (p *Pipeline) finish(hits []index.ScoredRecord, topK int, degraded bool) *Result {
	if len(hits) > topK {
		hits = hits[:topK]
	}

	contexts := make([]Context, len(hits))
	for i, rec := range hits {
		contexts[i] = Context{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Content:    rec.Content,
			SourceURI:  rec.Payload["source_uri"],
			Score:      rec.Score,
			IngestedAt: rec.IngestedAt,
		}
	}

	if p.cfg.CompressTokenBudget > 0 {
		contexts = compress(contexts, p.cfg.CompressTokenBudget)
	}
	return &Result{Contexts: contexts, Degraded: degraded}
}

// compress keeps contexts in rank order while the running token estimate
// fits the budget. A first context larger than the whole budget is trimmed
// to it rather than dropped, so the caller never loses the best hit.
func compress(contexts []Context, budget int) []Context {
	kept := contexts[:0:0]
	used := 0
	for i, c := range contexts {
		tokens := document.CountTokens(c.Content)
		if used+tokens > budget {
			if i == 0 {
				c.Content = truncateTokens(c.Content, budget)
				kept = append(kept, c)
			}
			break
		}
		kept = append(kept, c)
		used += tokens
	}
	return kept
}

func truncateTokens(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}

// legDepth widens per-leg fetch so fusion ranks across enough candidates.
func legDepth(topK int) int {
	depth := topK * 2
	if depth > index.MaxTopK {
		depth = index.MaxTopK
	}
	return depth
}
