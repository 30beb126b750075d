package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const valuesFixture = `# deployment values
replicaCount: 2
image:
  repository: registry.example.com/app
  tag: staging-20250101-000000-old1234
  pullPolicy: IfNotPresent
service:
  port: 8080
`

func TestFieldUpdaterRewritesTag(t *testing.T) {
	path := writeTemp(t, "values.yaml", valuesFixture)
	u, err := NewFieldUpdater(path, "image.tag")
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}

	out, err := u.Update(context.Background(), "staging-20250314-092653-a1b2c3d")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(out, "staging-20250314-092653-a1b2c3d") {
		t.Fatalf("output %q", out)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded struct {
		ReplicaCount int `yaml:"replicaCount"`
		Image        struct {
			Repository string `yaml:"repository"`
			Tag        string `yaml:"tag"`
			PullPolicy string `yaml:"pullPolicy"`
		} `yaml:"image"`
	}
	if err := yaml.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Image.Tag != "staging-20250314-092653-a1b2c3d" {
		t.Fatalf("tag %q", decoded.Image.Tag)
	}
	// Surrounding fields must survive the rewrite.
	if decoded.ReplicaCount != 2 || decoded.Image.PullPolicy != "IfNotPresent" {
		t.Fatalf("manifest structure damaged: %+v", decoded)
	}
	if !strings.Contains(string(body), "# deployment values") {
		t.Fatal("expected comments to be preserved")
	}
}

func TestFieldUpdaterMissingField(t *testing.T) {
	path := writeTemp(t, "values.yaml", "image:\n  repository: app\n")
	u, err := NewFieldUpdater(path, "image.tag")
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	_, err = u.Update(context.Background(), "tag")
	if !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

const kustomizeFixture = `apiVersion: kustomize.config.k8s.io/v1beta1
kind: Kustomization
resources:
  - deployment.yaml
images:
  - name: registry.example.com/app
    newTag: old
  - name: registry.example.com/sidecar
    newTag: v1
`

func TestKustomizeUpdaterRewritesNewTag(t *testing.T) {
	path := writeTemp(t, "kustomization.yaml", kustomizeFixture)
	u, err := NewKustomizeUpdater(path, "registry.example.com/app")
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}

	if _, err := u.Update(context.Background(), "staging-20250314-092653-a1b2c3d"); err != nil {
		t.Fatalf("update: %v", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded struct {
		Images []struct {
			Name   string `yaml:"name"`
			NewTag string `yaml:"newTag"`
		} `yaml:"images"`
	}
	if err := yaml.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Images[0].NewTag != "staging-20250314-092653-a1b2c3d" {
		t.Fatalf("app newTag %q", decoded.Images[0].NewTag)
	}
	if decoded.Images[1].NewTag != "v1" {
		t.Fatalf("sidecar newTag must be untouched, got %q", decoded.Images[1].NewTag)
	}
}

func TestKustomizeUpdaterAddsMissingNewTag(t *testing.T) {
	fixture := "images:\n  - name: registry.example.com/app\n"
	path := writeTemp(t, "kustomization.yaml", fixture)
	u, err := NewKustomizeUpdater(path, "registry.example.com/app")
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}

	if _, err := u.Update(context.Background(), "v2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	body, _ := os.ReadFile(path)
	if !strings.Contains(string(body), "newTag: v2") {
		t.Fatalf("manifest: %s", body)
	}
}

func TestKustomizeUpdaterUnknownImage(t *testing.T) {
	path := writeTemp(t, "kustomization.yaml", kustomizeFixture)
	u, err := NewKustomizeUpdater(path, "registry.example.com/missing")
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	_, err = u.Update(context.Background(), "v2")
	if !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}
