package interfaces

import (
	"context"

	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// Embedder converts text into fixed-dimension vectors
type Embedder interface {
	Embed(ctx context.Context, text string, mode types.EmbedMode) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, mode types.EmbedMode) ([][]float32, error)
	Dimension() int
}
