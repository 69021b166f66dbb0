package workflow

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadBuiltin(t *testing.T) {
	r, err := LoadBuiltin()
	if err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}
	def, ok := r.Get("knight_style_img_to_img")
	if !ok {
		t.Fatalf("knight_style_img_to_img not registered, have %v", r.IDs())
	}
	if def.Steps[0].Type != StepInput {
		t.Fatalf("first step should be input, got %q", def.Steps[0].Type)
	}
	want := []string{"nano-banana-pro-leonardo", "atlas-upscale"}
	if got := def.RequiredModels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("RequiredModels = %v, want %v", got, want)
	}
}

func TestRequiredModelsDedup(t *testing.T) {
	def := Definition{ID: "d", Steps: []Step{
		{Name: "in", Type: StepInput},
		{Name: "a", Type: StepGeneration, Provider: "p", DefaultModel: "m1"},
		{Name: "b", Type: StepGeneration, Provider: "p", Model: "m2"},
		{Name: "c", Type: StepGeneration, Provider: "p", Model: "m1"},
	}}
	if got := def.RequiredModels(); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Fatalf("RequiredModels = %v", got)
	}
}

func TestAddRejectsInvalidDefinitions(t *testing.T) {
	r, _ := NewRegistry()
	cases := map[string]Definition{
		"no id":        {Steps: []Step{{Name: "a", Type: StepInput}}},
		"no steps":     {ID: "x"},
		"unknown type": {ID: "x", Steps: []Step{{Name: "a", Type: "magic"}}},
		"no provider":  {ID: "x", Steps: []Step{{Name: "a", Type: StepGeneration, Model: "m"}}},
	}
	for name, def := range cases {
		if err := r.Add(def); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := `id: knight_style_img_to_img
name: Knight (override)
enabled: false
steps:
  - name: upload
    type: input
  - name: edit
    type: generation
    provider: vision-pixazo
    model: flux-kontext
`
	if err := os.WriteFile(filepath.Join(dir, "knight.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadBuiltin()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	def, _ := r.Get("knight_style_img_to_img")
	if def.Enabled || len(def.Steps) != 2 || def.Steps[1].Provider != "vision-pixazo" {
		t.Fatalf("override not applied: %+v", def)
	}
}
