package export

import (
	"io"

	"github.com/iksnae/mindmap/internal"
	"gopkg.in/yaml.v3"
)

// YAMLExporter exports session timelines in YAML format
type YAMLExporter struct{}

type yamlStep struct {
	internal.StepExecution `yaml:",inline"`
	State                  map[string]interface{} `yaml:"state"`
}

type yamlTimeline struct {
	Session   *internal.Session   `yaml:"session"`
	Steps     []yamlStep          `yaml:"steps"`
	Timelines []internal.Timeline `yaml:"timelines,omitempty"`
}

// Export exports a session timeline to YAML format
func (e *YAMLExporter) Export(timeline *internal.SessionTimeline, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()

	// raw JSON snapshots would render as byte lists
	doc := yamlTimeline{
		Session:   timeline.Session,
		Steps:     make([]yamlStep, len(timeline.Steps)),
		Timelines: timeline.Timelines,
	}
	for i, step := range timeline.Steps {
		doc.Steps[i] = yamlStep{StepExecution: step, State: decodeState(step.StateSnapshot)}
	}
	return enc.Encode(doc)
}

// Extension returns the file extension for this format
func (e *YAMLExporter) Extension() string {
	return "yaml"
}
