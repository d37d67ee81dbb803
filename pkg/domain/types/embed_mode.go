package types

// EmbedMode distinguishes document embeddings (stored vectors) from query
// embeddings (search vectors). Some providers produce asymmetric vectors.
type EmbedMode string

const (
	EmbedDocument EmbedMode = "document"
	EmbedQuery    EmbedMode = "query"
)
