package domain

import "fmt"

// Recipe is a named deployment strategy. Each recipe maps to a deploy
// pipeline and a rollback pipeline per target service.
type Recipe string

const (
	RecipeStandard  Recipe = "standard"
	RecipeCanary    Recipe = "canary"
	RecipeBlueGreen Recipe = "blue-green"
)

// ParseRecipe validates a recipe value from caller input.
func ParseRecipe(s string) (Recipe, error) {
	switch Recipe(s) {
	case RecipeStandard, RecipeCanary, RecipeBlueGreen:
		return Recipe(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrRecipeUnknown, s)
	}
}

// PipelinePair is the engine-side resolution of a recipe for one service.
type PipelinePair struct {
	DeployPipelineID   string
	RollbackPipelineID string
}

// RecipeTable maps service name to recipe to pipeline identifiers.
// Recipes are configuration: the table is read-only once loaded.
type RecipeTable map[string]map[Recipe]PipelinePair

// RecipeResolver resolves a (service, recipe) pair to concrete pipeline
// identifiers. Pure lookup, no I/O; safe to call repeatedly.
type RecipeResolver struct {
	Table RecipeTable
}

func (r RecipeResolver) Resolve(service string, recipe Recipe) (PipelinePair, error) {
	if _, err := ParseRecipe(string(recipe)); err != nil {
		return PipelinePair{}, err
	}
	pair, ok := r.Table[service][recipe]
	if !ok {
		return PipelinePair{}, fmt.Errorf("%w: service %q has no mapping for recipe %q", ErrRecipeNotConfigured, service, recipe)
	}
	if pair.DeployPipelineID == "" {
		return PipelinePair{}, fmt.Errorf("%w: service %q recipe %q has no deploy pipeline", ErrRecipeNotConfigured, service, recipe)
	}
	return pair, nil
}
