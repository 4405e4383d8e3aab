package rubric

// Dimension is one scored axis of the audit rubric.
type Dimension struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// SectionEntry declares one prompt section in the manifest.
type SectionEntry struct {
	Name     string `yaml:"name"`
	File     string `yaml:"file"`
	Priority int    `yaml:"priority"`
}

// Manifest is the embedded rubric manifest: the dimension catalogue plus
// the prompt sections in priority order.
type Manifest struct {
	Dimensions []Dimension    `yaml:"dimensions"`
	Sections   []SectionEntry `yaml:"sections"`
}

// Section is a loaded prompt section with its content.
type Section struct {
	Entry   SectionEntry
	Content string
}
