package export

import (
	"encoding/json"
	"io"

	"github.com/iksnae/mindmap/internal"
)

// JSONExporter exports session timelines in JSON format (pretty-printed)
type JSONExporter struct{}

// Export exports a session timeline to JSON format
func (e *JSONExporter) Export(timeline *internal.SessionTimeline, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(timeline)
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
