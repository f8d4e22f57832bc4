package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Runner is the surface GadgetExecutor resolves a SandboxDescriptor into
// before invoking an execute-kind gadget. ProcessSandbox and DockerSandbox
// both satisfy it, so tools depend on the interface rather than a
// concrete backend.
type Runner interface {
	Execute(ctx context.Context, command string, args []string) (*Result, error)
	ExecuteScript(ctx context.Context, interpreter string, script string) (*Result, error)
	ExecuteShell(ctx context.Context, command string) (*Result, error)
}

// Backend names which Runner implementation a SandboxDescriptor selects.
type Backend string

const (
	BackendProcess Backend = "process"
	BackendDocker  Backend = "docker"
)

// Descriptor is the config object GadgetExecutor resolves into a Runner
// before invoking an execute-kind gadget (§3.1 SandboxDescriptor).
type Descriptor struct {
	Backend       Backend
	WorkDir       string
	AllowedBins   []string
	MemoryLimit   int64
	EnableNetwork bool
	Image         string // required when Backend == BackendDocker
}

// Resolve builds the Runner a Descriptor names. Tool registration
// (infrastructure/tool.RegisterAllTools) calls this once at startup to pick
// the backend every execute-kind gadget shares, per the active config's
// SandboxDescriptor.
func Resolve(desc Descriptor, logger *zap.Logger) (Runner, error) {
	switch desc.Backend {
	case BackendDocker:
		return NewDockerSandbox(desc, logger)
	case BackendProcess, "":
		cfg := DefaultConfig()
		if desc.WorkDir != "" {
			cfg.WorkDir = desc.WorkDir
		}
		if len(desc.AllowedBins) > 0 {
			cfg.AllowedBins = desc.AllowedBins
		}
		if desc.MemoryLimit > 0 {
			cfg.MemoryLimit = desc.MemoryLimit
		}
		cfg.EnableNetwork = desc.EnableNetwork
		return NewProcessSandbox(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", desc.Backend)
	}
}
