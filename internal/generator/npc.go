package generator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NPCRequest parameterizes NPC generation.
type NPCRequest struct {
	CampaignID uuid.UUID `json:"campaignId"`
	Concept    string    `json:"concept"`
	PartyLevel int       `json:"partyLevel"`
	Count      int       `json:"count"`
}

// NPC is one generated character.
type NPC struct {
	Name        string `json:"name"`
	Ancestry    string `json:"ancestry"`
	Occupation  string `json:"occupation"`
	Personality string `json:"personality"`
	Secret      string `json:"secret"`
	StatBlock   string `json:"statBlock"`
}

// NPCResult carries the NPCs plus provenance. StatBlockGrounded is true
// only when at least one retrieved chunk came from a rulebook document;
// otherwise the stat blocks are model invention and callers should
// present them as such.
type NPCResult struct {
	NPCs              []NPC    `json:"npcs"`
	StatBlockGrounded bool     `json:"statBlockGrounded"`
	Sources           []string `json:"sources"`
}

const npcSystemPrompt = `You are a game master's assistant. Using only the
provided campaign source material, invent non-player characters as a JSON
array of objects with fields "name", "ancestry", "occupation",
"personality", "secret", and "statBlock". Respond with the JSON array and
nothing else.`

// GenerateNPCs retrieves material matching the concept and asks the model
// for NPCs challenge-rated for the party.
func (g *Generator) GenerateNPCs(ctx context.Context, req NPCRequest) (*NPCResult, error) {
	if err := validatePartyLevel(req.PartyLevel); err != nil {
		return nil, err
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}

	results, grounded, err := g.retrieve(ctx, req.CampaignID, req.Concept)
	if err != nil {
		return nil, err
	}

	user := fmt.Sprintf(`Campaign source material:

%s

Invent %d NPCs matching the concept %q, with stat blocks appropriate for a
party of level %d.`, buildContext(results), count, req.Concept, req.PartyLevel)

	reply, err := g.chat(ctx, npcSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var npcs []NPC
	if err := decodeObjectArray(reply, &npcs); err != nil {
		return nil, err
	}

	return &NPCResult{
		NPCs:              npcs,
		StatBlockGrounded: grounded,
		Sources:           sourceNames(results),
	}, nil
}
