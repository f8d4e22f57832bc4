package sandbox

import (
	"testing"

	"go.uber.org/zap"
)

func TestResolve_ProcessBackendIsDefault(t *testing.T) {
	r, err := Resolve(Descriptor{WorkDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.(*ProcessSandbox); !ok {
		t.Errorf("got %T, want *ProcessSandbox", r)
	}
}

func TestResolve_ProcessBackendExplicit(t *testing.T) {
	r, err := Resolve(Descriptor{Backend: BackendProcess, WorkDir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.(*ProcessSandbox); !ok {
		t.Errorf("got %T, want *ProcessSandbox", r)
	}
}

func TestResolve_ProcessBackendAppliesOverrides(t *testing.T) {
	workDir := t.TempDir()
	r, err := Resolve(Descriptor{
		Backend:       BackendProcess,
		WorkDir:       workDir,
		AllowedBins:   []string{"ls"},
		MemoryLimit:   1024,
		EnableNetwork: true,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ps, ok := r.(*ProcessSandbox)
	if !ok {
		t.Fatalf("got %T, want *ProcessSandbox", r)
	}
	if ps.config.WorkDir != workDir {
		t.Errorf("WorkDir = %q, want %q", ps.config.WorkDir, workDir)
	}
	if len(ps.config.AllowedBins) != 1 || ps.config.AllowedBins[0] != "ls" {
		t.Errorf("AllowedBins = %+v", ps.config.AllowedBins)
	}
	if ps.config.MemoryLimit != 1024 {
		t.Errorf("MemoryLimit = %d, want 1024", ps.config.MemoryLimit)
	}
	if !ps.config.EnableNetwork {
		t.Error("EnableNetwork = false, want true")
	}
}

func TestResolve_DockerBackendRequiresImage(t *testing.T) {
	_, err := Resolve(Descriptor{Backend: BackendDocker}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error when Image is unset")
	}
}

func TestResolve_UnknownBackend(t *testing.T) {
	_, err := Resolve(Descriptor{Backend: Backend("bogus")}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestNewDockerSandbox_RequiresImage(t *testing.T) {
	_, err := NewDockerSandbox(Descriptor{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error when Image is unset")
	}
}
