// Package rubric embeds the audit rubric: the dimension catalogue the
// reviewer scores against and the fixed prompt sections the reviewer
// client assembles around each candidate.
package rubric

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var embeddedManifest string

//go:embed header.md
var embeddedHeader string

//go:embed rubric.md
var embeddedRubric string

//go:embed output_contract.md
var embeddedOutputContract string

// sectionFiles maps filenames to their embedded content.
var sectionFiles = map[string]string{
	"header.md":          embeddedHeader,
	"rubric.md":          embeddedRubric,
	"output_contract.md": embeddedOutputContract,
}

// LoadManifest parses the embedded manifest YAML and normalizes the
// dimension weights so they sum to 1.0.
func LoadManifest() (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal([]byte(embeddedManifest), &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse rubric manifest: %w", err)
	}
	if len(manifest.Dimensions) == 0 {
		return nil, fmt.Errorf("rubric manifest declares no dimensions")
	}
	if len(manifest.Sections) == 0 {
		return nil, fmt.Errorf("rubric manifest declares no sections")
	}
	if err := manifest.normalizeWeights(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// normalizeWeights scales the dimension weights to sum to 1.0.
func (m *Manifest) normalizeWeights() error {
	var sum float64
	for _, d := range m.Dimensions {
		if d.Weight < 0 {
			return fmt.Errorf("dimension %q has negative weight %v", d.Name, d.Weight)
		}
		sum += d.Weight
	}
	if sum == 0 {
		return fmt.Errorf("dimension weights sum to zero")
	}
	for i := range m.Dimensions {
		m.Dimensions[i].Weight /= sum
	}
	return nil
}

// Weight returns the normalized weight for a dimension name.
func (m *Manifest) Weight(name string) (float64, bool) {
	for _, d := range m.Dimensions {
		if d.Name == name {
			return d.Weight, true
		}
	}
	return 0, false
}

// CatalogueLines renders the dimension catalogue for inclusion in the
// reviewer prompt, one "- name (weight 0.25)" line per dimension.
func (m *Manifest) CatalogueLines() []string {
	lines := make([]string, 0, len(m.Dimensions))
	for _, d := range m.Dimensions {
		lines = append(lines, fmt.Sprintf("- %s (weight %.2f)", d.Name, d.Weight))
	}
	return lines
}

// LoadSections loads all prompt sections from embedded files, sorted by
// priority.
func LoadSections(manifest *Manifest) ([]Section, error) {
	sections := make([]Section, 0, len(manifest.Sections))

	for _, entry := range manifest.Sections {
		content, ok := sectionFiles[entry.File]
		if !ok {
			return nil, fmt.Errorf("section file %q not found for section %q", entry.File, entry.Name)
		}
		sections = append(sections, Section{
			Entry:   entry,
			Content: content,
		})
	}

	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Entry.Priority < sections[j].Entry.Priority
	})

	return sections, nil
}
