package rag

import "context"

// Embedder turns chunk text into vectors. pkg/ollama.EmbedClient satisfies
// this without either package importing the other.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// batchSize bounds how many chunks are embedded per Embedder call.
const batchSize = 16

// embedAll embeds every chunk's text in fixed-size batches, preserving
// order, so a 500-chunk episode never sends one oversized request.
func embedAll(ctx context.Context, embedder Embedder, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			texts[i] = c.Text
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
