package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var builtin embed.FS

// Step types
const (
	StepInput      = "input"
	StepGeneration = "generation"
)

// Step - workflow 한 단계
type Step struct {
	Name         string                 `yaml:"name" json:"name"`
	Type         string                 `yaml:"type" json:"type"`
	Provider     string                 `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model        string                 `yaml:"model,omitempty" json:"model,omitempty"`
	DefaultModel string                 `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	JobType      string                 `yaml:"job_type,omitempty" json:"job_type,omitempty"`
	Prompt       string                 `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Options      map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

// ModelName - model 이 비어 있으면 default_model
func (s Step) ModelName() string {
	if s.Model != "" {
		return s.Model
	}
	return s.DefaultModel
}

// Definition - 선언형 workflow
type Definition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Enabled     bool   `yaml:"enabled"`
	Steps       []Step `yaml:"steps"`
}

// RequiredModels - generation step 의 model 목록 (순서 유지, 중복 제거)
func (d Definition) RequiredModels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range d.Steps {
		m := s.ModelName()
		if s.Type != StepGeneration || m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (d Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow without id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.ID)
	}
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s step %d has no name", d.ID, i)
		}
		switch s.Type {
		case StepInput:
		case StepGeneration:
			if s.Provider == "" || s.ModelName() == "" {
				return fmt.Errorf("workflow %s step %s needs provider and model", d.ID, s.Name)
			}
		default:
			return fmt.Errorf("workflow %s step %s has unknown type %q", d.ID, s.Name, s.Type)
		}
	}
	return nil
}

// Registry - workflow_id → Definition
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry - 빈 Registry
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadBuiltin - 내장 definitions/*.yaml 로드
func LoadBuiltin() (*Registry, error) {
	r, _ := NewRegistry()
	if err := r.loadFS(builtin, "definitions"); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDir - 디렉터리의 *.yaml 을 추가 로드 (같은 id 는 덮어씀)
func (r *Registry) LoadDir(dir string) error {
	return r.loadFS(os.DirFS(dir), ".")
}

func (r *Registry) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read workflow dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var d Definition
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if err := r.Add(d); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

// Add - definition 등록
func (r *Registry) Add(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[d.ID] = d
	r.mu.Unlock()
	log.Printf("📚 [Workflow] Registered %s (%d steps, models=%v)", d.ID, len(d.Steps), d.RequiredModels())
	return nil
}

// Get - workflow 조회 (disabled 포함)
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// IDs - 등록된 workflow id (정렬)
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
