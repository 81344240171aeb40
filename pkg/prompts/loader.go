package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jwebster45206/phase-engine/pkg/phase"
)

// Loader supplies the instruction template for a phase.
type Loader interface {
	LoadInstructions(p phase.Phase) (string, error)
}

// DefaultLoader serves the built-in instructions.
type DefaultLoader struct{}

func (DefaultLoader) LoadInstructions(p phase.Phase) (string, error) {
	tmpl, ok := defaultInstructions[p]
	if !ok {
		return "", fmt.Errorf("%w: %q", phase.ErrUnknownPhase, string(p))
	}
	return tmpl, nil
}

// FileLoader reads <Dir>/<phase>.tmpl, falling back to the built-in
// instructions when the file does not exist.
type FileLoader struct {
	Dir string
}

func (l FileLoader) LoadInstructions(p phase.Phase) (string, error) {
	if !p.Known() {
		return "", fmt.Errorf("%w: %q", phase.ErrUnknownPhase, string(p))
	}
	if l.Dir == "" {
		return DefaultLoader{}.LoadInstructions(p)
	}
	data, err := os.ReadFile(filepath.Join(l.Dir, string(p)+".tmpl"))
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultLoader{}.LoadInstructions(p)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read instructions for %s: %w", p, err)
	}
	return string(data), nil
}
