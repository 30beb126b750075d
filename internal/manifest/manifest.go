package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrFieldNotFound indicates the configured tag field is absent from the
// manifest.
var ErrFieldNotFound = errors.New("manifest: image tag field not found")

// FieldUpdater rewrites a scalar at a dotted path inside a YAML manifest,
// e.g. "image.tag" in a Helm values file. Comments and document layout are
// preserved through the yaml.Node API.
type FieldUpdater struct {
	path  string
	field string
}

// NewFieldUpdater validates the manifest location and field path.
func NewFieldUpdater(path, field string) (*FieldUpdater, error) {
	path = strings.TrimSpace(path)
	field = strings.TrimSpace(field)
	if path == "" {
		return nil, errors.New("manifest path required")
	}
	if field == "" {
		return nil, errors.New("manifest field path required")
	}
	return &FieldUpdater{path: path, field: field}, nil
}

// Update sets the configured field to tag and writes the manifest back.
func (u *FieldUpdater) Update(_ context.Context, tag string) (string, error) {
	root, mode, err := loadManifest(u.path)
	if err != nil {
		return "", err
	}
	node := findPath(documentRoot(root), strings.Split(u.field, "."))
	if node == nil {
		return "", fmt.Errorf("%w: %s in %s", ErrFieldNotFound, u.field, u.path)
	}
	setScalar(node, tag)
	if err := writeManifest(u.path, root, mode); err != nil {
		return "", err
	}
	return fmt.Sprintf("set %s to %s in %s", u.field, tag, u.path), nil
}

// KustomizeUpdater rewrites the newTag of a kustomization.yaml images entry
// matching the given image name.
type KustomizeUpdater struct {
	path  string
	image string
}

// NewKustomizeUpdater validates the kustomization location and image name.
func NewKustomizeUpdater(path, image string) (*KustomizeUpdater, error) {
	path = strings.TrimSpace(path)
	image = strings.TrimSpace(image)
	if path == "" {
		return nil, errors.New("kustomization path required")
	}
	if image == "" {
		return nil, errors.New("image name required")
	}
	return &KustomizeUpdater{path: path, image: image}, nil
}

// Update sets images[name==image].newTag to tag.
func (u *KustomizeUpdater) Update(_ context.Context, tag string) (string, error) {
	root, mode, err := loadManifest(u.path)
	if err != nil {
		return "", err
	}
	images := findPath(documentRoot(root), []string{"images"})
	if images == nil || images.Kind != yaml.SequenceNode {
		return "", fmt.Errorf("%w: images list in %s", ErrFieldNotFound, u.path)
	}
	for _, entry := range images.Content {
		if entry.Kind != yaml.MappingNode {
			continue
		}
		if value := mappingValue(entry, "name"); value == nil || value.Value != u.image {
			continue
		}
		newTag := mappingValue(entry, "newTag")
		if newTag == nil {
			newTag = appendMappingKey(entry, "newTag")
		}
		setScalar(newTag, tag)
		if err := writeManifest(u.path, root, mode); err != nil {
			return "", err
		}
		return fmt.Sprintf("set images[%s].newTag to %s in %s", u.image, tag, u.path), nil
	}
	return "", fmt.Errorf("%w: image %s in %s", ErrFieldNotFound, u.image, u.path)
}

func loadManifest(path string) (*yaml.Node, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat manifest: %w", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read manifest: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(body, &root); err != nil {
		return nil, 0, fmt.Errorf("parse manifest: %w", err)
	}
	return &root, info.Mode().Perm(), nil
}

func writeManifest(path string, root *yaml.Node, mode os.FileMode) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(documentRoot(root)); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func documentRoot(node *yaml.Node) *yaml.Node {
	if node != nil && node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		return node.Content[0]
	}
	return node
}

// findPath descends nested mappings following the given keys.
func findPath(node *yaml.Node, keys []string) *yaml.Node {
	current := node
	for _, key := range keys {
		if current == nil || current.Kind != yaml.MappingNode {
			return nil
		}
		current = mappingValue(current, key)
	}
	return current
}

// mappingValue returns the value node for key within a mapping node.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func appendMappingKey(mapping *yaml.Node, key string) *yaml.Node {
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valueNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str"}
	mapping.Content = append(mapping.Content, keyNode, valueNode)
	return valueNode
}

func setScalar(node *yaml.Node, value string) {
	node.Kind = yaml.ScalarNode
	node.Tag = "!!str"
	node.Value = value
	node.Style = 0
}
