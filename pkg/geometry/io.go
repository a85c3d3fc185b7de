package geometry

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type viewDocument struct {
	Modules []ProjectionMatrix `yaml:"modules"`
}

type geometryDocument struct {
	Views []viewDocument `yaml:"views"`
}

// MarshalFullGeometry encodes g as a YAML document.
func MarshalFullGeometry(g FullGeometry) ([]byte, error) {
	doc := geometryDocument{Views: make([]viewDocument, len(g))}
	for i, v := range g {
		doc.Views[i].Modules = v
	}
	return yaml.Marshal(&doc)
}

// UnmarshalFullGeometry decodes a document written by MarshalFullGeometry.
func UnmarshalFullGeometry(data []byte) (FullGeometry, error) {
	var doc geometryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing geometry: %w", err)
	}
	g := make(FullGeometry, len(doc.Views))
	for i, v := range doc.Views {
		g[i] = v.Modules
	}
	return g, nil
}

// SaveFullGeometry writes g to path, creating parent directories.
func SaveFullGeometry(path string, g FullGeometry) error {
	data, err := MarshalFullGeometry(g)
	if err != nil {
		return fmt.Errorf("error marshaling geometry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating geometry directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing geometry file: %w", err)
	}
	return nil
}

// LoadFullGeometry reads a geometry file.
func LoadFullGeometry(path string) (FullGeometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading geometry file: %w", err)
	}
	return UnmarshalFullGeometry(data)
}
