package application

import (
	"context"
	"fmt"

	"github.com/gadgetkit/gadgetkit/internal/domain/gadget"
)

// toolBridge adapts gadget.Registry → service.ToolExecutor.
// This allows the AgentLoop to discover and execute tools through the shared registry.
type toolBridge struct {
	registry gadget.Registry
}

// Execute implements service.ToolExecutor.Execute
func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]interface{}) (*gadget.Result, error) {
	tool, ok := b.registry.Get(name)
	if !ok {
		return &gadget.Result{
			Output:  fmt.Sprintf("Tool '%s' not found", name),
			Success: false,
			Error:   fmt.Sprintf("tool '%s' not registered", name),
		}, nil
	}
	return tool.Execute(ctx, args)
}

// GetDefinitions implements service.ToolExecutor.GetDefinitions
func (b *toolBridge) GetDefinitions() []gadget.Definition {
	return b.registry.List()
}

// GetToolKind implements service.ToolExecutor.GetToolKind
func (b *toolBridge) GetToolKind(name string) gadget.Kind {
	tool, ok := b.registry.Get(name)
	if !ok {
		return gadget.KindExecute
	}
	return tool.Kind()
}
