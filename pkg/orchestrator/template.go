package orchestrator

import (
	"context"

	"github.com/infrahaus/provisioner/pkg/types"
)

// TemplateProvider resolves a template by ID. The template-authoring
// layer (persistent CRUD) is out of scope for this core; callers supply
// any read-only catalog lookup that satisfies this interface.
type TemplateProvider interface {
	Get(ctx context.Context, templateID string) (*types.Template, error)
}
