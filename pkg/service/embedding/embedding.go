package embedding

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/mnemosyne/pkg/domain/interfaces"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// DefaultDimension is the local index embedding width
const DefaultDimension = 768

// DefaultCacheTTL bounds how long a cached embedding stays valid
const DefaultCacheTTL = time.Hour

// Service embeds text through a gollem LLM client. Repeated embeddings of
// identical text hit the cache, which also makes the rescue extractor's
// near-duplicate check deterministic across runs.
type Service struct {
	llm       gollem.LLMClient
	dimension int
	cache     Cache
	cacheTTL  time.Duration
}

var _ interfaces.Embedder = &Service{}

// Option is a functional option for Service configuration
type Option func(*Service)

// WithDimension overrides the embedding dimension
func WithDimension(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dimension = n
		}
	}
}

// WithCache injects an embedding cache
func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithCacheTTL overrides the cache entry lifetime
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// New creates an embedding service over the given LLM client
func New(llm gollem.LLMClient, opts ...Option) (*Service, error) {
	if llm == nil {
		return nil, goerr.New("LLM client is required")
	}

	s := &Service{
		llm:       llm,
		dimension: DefaultDimension,
		cache:     NewNopCache(),
		cacheTTL:  DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dimension returns the embedding width
func (s *Service) Dimension() int {
	return s.dimension
}

// Embed converts one text into a vector
func (s *Service) Embed(ctx context.Context, text string, mode types.EmbedMode) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text}, mode)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts texts into vectors, one provider call for all cache
// misses
func (s *Service) EmbedBatch(ctx context.Context, texts []string, mode types.EmbedMode) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, found := s.cache.Get(cacheKey(mode, text)); found {
			vectors[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	embedded, err := s.llm.GenerateEmbedding(ctx, s.dimension, missing)
	if err != nil {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "failed to generate embeddings",
			goerr.V("count", len(missing)), goerr.V("mode", mode), goerr.V("cause", err.Error()))
	}
	if len(embedded) != len(missing) {
		return nil, goerr.Wrap(model.ErrProviderUnavailable, "embedding count mismatch",
			goerr.V("want", len(missing)), goerr.V("got", len(embedded)))
	}

	for i, raw := range embedded {
		vec := make([]float32, len(raw))
		for j, v := range raw {
			vec[j] = float32(v)
		}
		vectors[missingIdx[i]] = vec
		s.cache.Set(cacheKey(mode, missing[i]), vec, s.cacheTTL)
	}
	return vectors, nil
}

// cacheKey separates document and query spaces for providers with
// asymmetric embeddings
func cacheKey(mode types.EmbedMode, text string) string {
	return string(mode) + ":" + model.Checksum(text)
}

// Close releases the cache
func (s *Service) Close() error {
	s.cache.Close()
	return nil
}
