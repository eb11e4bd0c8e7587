package hardware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Jeffail/gabs/v2"

	"github.com/llm-perf/perf-hub/pkg/api"
)

const ArtifactName = "hardware.json"

// ArtifactMetadata is added under the metadata key of the artifact.
type ArtifactMetadata struct {
	TaskID      string
	DisplayID   int64
	CollectedAt time.Time
}

// Document renders the snapshot as the JSON document stored for hardware_info tasks.
func Document(snapshot *api.HardwareSnapshot, metadata ArtifactMetadata) (*gabs.Container, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, err
	}
	if _, err := doc.Set(len(snapshot.GPUs), "gpu_count"); err != nil {
		return nil, err
	}
	if _, err := doc.SetP(metadata.TaskID, "metadata.task_id"); err != nil {
		return nil, err
	}
	if _, err := doc.SetP(metadata.DisplayID, "metadata.display_id"); err != nil {
		return nil, err
	}
	if _, err := doc.SetP(metadata.CollectedAt.UTC().Format(time.RFC3339), "metadata.collection_time"); err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteArtifact writes the hardware document into dir and returns its path.
func WriteArtifact(dir string, snapshot *api.HardwareSnapshot, metadata ArtifactMetadata) (string, error) {
	doc, err := Document(snapshot, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to render the hardware snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create the result directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, ArtifactName)
	if err := os.WriteFile(path, []byte(doc.StringIndent("", "  ")), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
