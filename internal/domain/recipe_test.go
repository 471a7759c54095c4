package domain_test

import (
	"errors"
	"testing"

	"github.com/shipgate/shipgate-server/internal/domain"
)

func testRecipeTable() domain.RecipeTable {
	return domain.RecipeTable{
		"checkout": {
			domain.RecipeStandard: {DeployPipelineID: "checkout-std", RollbackPipelineID: "checkout-std-rb"},
			domain.RecipeCanary:   {DeployPipelineID: "checkout-canary", RollbackPipelineID: "checkout-canary-rb"},
		},
	}
}

func TestRecipeResolver_Resolve(t *testing.T) {
	r := domain.RecipeResolver{Table: testRecipeTable()}

	pair, err := r.Resolve("checkout", domain.RecipeCanary)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pair.DeployPipelineID != "checkout-canary" {
		t.Errorf("DeployPipelineID = %q, want %q", pair.DeployPipelineID, "checkout-canary")
	}
	if pair.RollbackPipelineID != "checkout-canary-rb" {
		t.Errorf("RollbackPipelineID = %q, want %q", pair.RollbackPipelineID, "checkout-canary-rb")
	}
}

func TestRecipeResolver_NotConfigured(t *testing.T) {
	r := domain.RecipeResolver{Table: testRecipeTable()}

	_, err := r.Resolve("checkout", domain.RecipeBlueGreen)
	if !errors.Is(err, domain.ErrRecipeNotConfigured) {
		t.Fatalf("got %v, want ErrRecipeNotConfigured", err)
	}

	_, err = r.Resolve("unknown-service", domain.RecipeStandard)
	if !errors.Is(err, domain.ErrRecipeNotConfigured) {
		t.Fatalf("unknown service: got %v, want ErrRecipeNotConfigured", err)
	}
}

func TestRecipeResolver_UnknownRecipe(t *testing.T) {
	r := domain.RecipeResolver{Table: testRecipeTable()}

	_, err := r.Resolve("checkout", domain.Recipe("surge"))
	if !errors.Is(err, domain.ErrRecipeUnknown) {
		t.Fatalf("got %v, want ErrRecipeUnknown", err)
	}
}

func TestParseRecipe(t *testing.T) {
	for _, valid := range []string{"standard", "canary", "blue-green"} {
		if _, err := domain.ParseRecipe(valid); err != nil {
			t.Errorf("ParseRecipe(%q): %v", valid, err)
		}
	}
	if _, err := domain.ParseRecipe("rolling"); !errors.Is(err, domain.ErrRecipeUnknown) {
		t.Errorf("ParseRecipe(rolling): got %v, want ErrRecipeUnknown", err)
	}
}
