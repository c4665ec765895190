package generator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefaultHookCount is used when a request does not say how many hooks
// it wants.
const DefaultHookCount = 3

// HookRequest parameterizes adventure-hook generation.
type HookRequest struct {
	CampaignID uuid.UUID `json:"campaignId"`
	Theme      string    `json:"theme"`
	PartyLevel int       `json:"partyLevel"`
	Count      int       `json:"count"`
}

// Hook is one generated adventure seed.
type Hook struct {
	Title        string `json:"title"`
	Premise      string `json:"premise"`
	Complication string `json:"complication"`
	Reward       string `json:"reward"`
}

// HookResult carries the hooks plus the sources that grounded them.
type HookResult struct {
	Hooks   []Hook   `json:"hooks"`
	Sources []string `json:"sources"`
}

const hookSystemPrompt = `You are a game master's assistant. Using only the
provided campaign source material, write adventure hooks as a JSON array of
objects with fields "title", "premise", "complication", and "reward".
Respond with the JSON array and nothing else.`

// GenerateHooks retrieves material matching the theme and asks the model
// for party-appropriate adventure hooks.
func (g *Generator) GenerateHooks(ctx context.Context, req HookRequest) (*HookResult, error) {
	if err := validatePartyLevel(req.PartyLevel); err != nil {
		return nil, err
	}
	count := req.Count
	if count <= 0 {
		count = DefaultHookCount
	}

	results, _, err := g.retrieve(ctx, req.CampaignID, req.Theme)
	if err != nil {
		return nil, err
	}

	user := fmt.Sprintf(`Campaign source material:

%s

Write %d adventure hooks themed around %q for a party of level %d.`,
		buildContext(results), count, req.Theme, req.PartyLevel)

	reply, err := g.chat(ctx, hookSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var hooks []Hook
	if err := decodeObjectArray(reply, &hooks); err != nil {
		return nil, err
	}

	return &HookResult{Hooks: hooks, Sources: sourceNames(results)}, nil
}
