package client

import (
	"context"
)

// TextClient generates prose from a text-only prompt
type TextClient interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}
