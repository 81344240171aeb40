package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jwebster45206/phase-engine/internal/config"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/prompts"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <phases.yaml | prompts-dir>...\n", os.Args[0])
		os.Exit(1)
	}

	failed := false
	for _, path := range os.Args[1:] {
		validator := &ContentValidator{}
		if err := validator.validatePath(path); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			failed = true
			continue
		}
		fmt.Printf("%s is valid!\n", path)
	}
	if failed {
		os.Exit(1)
	}
}

// ContentValidator checks deployment content: phase files and prompt
// template directories.
type ContentValidator struct {
	errors []string
}

var templateName = regexp.MustCompile(`^[a-z]+(_[a-z]+)*\.tmpl$`)

func (v *ContentValidator) validatePath(path string) error {
	fmt.Printf("Validating %s...\n", path)
	v.errors = nil

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		v.validatePromptDir(path)
	} else {
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return fmt.Errorf("phase file must have .yaml or .yml extension: %s", filepath.Base(path))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", path, err)
		}
		v.validatePhaseFile(data)
	}

	if len(v.errors) > 0 {
		return fmt.Errorf("validation errors in %s:\n%s", path, strings.Join(v.errors, "\n"))
	}
	return nil
}

func (v *ContentValidator) validatePhaseFile(data []byte) {
	var f config.PhaseFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		v.addError(fmt.Sprintf("strict YAML decoding failed: %v", err))
		return
	}

	if _, _, err := config.ParsePhases(data); err != nil {
		v.addError(err.Error())
	}

	if f.Marker != "" && strings.Count(f.Marker, "%s") != 1 {
		v.addError(fmt.Sprintf("marker %q must contain exactly one %%s for the phase name", f.Marker))
	}

	enabled := make(map[string]bool, len(f.Order))
	for _, p := range f.Order {
		enabled[strings.ToLower(strings.TrimSpace(p))] = true
	}
	for _, p := range f.SelfContained {
		if !enabled[strings.ToLower(strings.TrimSpace(p))] {
			v.addError(fmt.Sprintf("self-contained phase '%s' is not in the order", p))
		}
	}
}

func (v *ContentValidator) validatePromptDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		v.addError(fmt.Sprintf("failed to read directory: %v", err))
		return
	}

	found := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tmpl" {
			continue
		}
		found++
		if !templateName.MatchString(e.Name()) {
			v.addError(fmt.Sprintf("template filename '%s' must be a lowercase snake_case phase name", e.Name()))
			continue
		}
		p, err := phase.Parse(strings.TrimSuffix(e.Name(), ".tmpl"))
		if err != nil {
			v.addError(fmt.Sprintf("template '%s' does not name a known phase", e.Name()))
			continue
		}
		v.validateTemplate(prompts.FileLoader{Dir: dir}, p)
	}
	if found == 0 {
		v.addError("no .tmpl files found")
	}
}

func (v *ContentValidator) validateTemplate(loader prompts.Loader, p phase.Phase) {
	tmpl, err := loader.LoadInstructions(p)
	if err != nil {
		v.addError(fmt.Sprintf("%s: %v", p, err))
		return
	}
	out, err := prompts.Render(tmpl, prompts.Data{
		PhaseName: p.DisplayName(),
		SessionID: "00000000-0000-0000-0000-000000000000",
		Context:   "Relevant context:\n- Example: an example entity",
	})
	if err != nil {
		v.addError(fmt.Sprintf("%s: %v", p, err))
		return
	}
	if strings.TrimSpace(out) == "" {
		v.addError(fmt.Sprintf("%s: template renders empty instructions", p))
	}
}

func (v *ContentValidator) addError(msg string) {
	v.errors = append(v.errors, msg)
}
