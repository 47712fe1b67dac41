package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/iksnae/mindmap/internal"
)

// Exporter defines the interface for all export formats
type Exporter interface {
	Export(timeline *internal.SessionTimeline, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "jsonl":
		return &JSONLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "yaml":
		return &YAMLExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: jsonl, md, yaml, json)", format)
	}
}

// decodeState returns a step's state delta as a map; an empty or invalid
// snapshot yields an empty map
func decodeState(raw json.RawMessage) map[string]interface{} {
	state := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &state)
	}
	return state
}
