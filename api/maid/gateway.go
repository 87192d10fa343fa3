package maid

import (
	"context"

	"github.com/maidworks/maid/api/llm"
)

// ClientGateway adapts *llm.Client to the Gateway interface.
type ClientGateway struct {
	Client *llm.Client
}

func (g ClientGateway) StreamResponse(ctx context.Context, prompt, instructions string) (Stream, error) {
	s, err := g.Client.StreamResponse(ctx, prompt, instructions)
	if err != nil {
		return nil, err
	}
	return s, nil
}
