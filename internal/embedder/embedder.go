// Package embedder provides text embedding via an external endpoint.
package embedder

import "context"

// Embedder converts texts into fixed-dimension vectors. Embed returns one
// vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}
