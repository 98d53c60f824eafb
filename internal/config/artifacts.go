package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Artifact file stems. The configured suffix is inserted before ".json".
const (
	ChannelsArtifact = "eeg_channels"
	MetaArtifact     = "preproc_meta"
	ClassesArtifact  = "label_classes"
)

// Artifacts is what a training run leaves behind for live inference.
type Artifacts struct {
	Channels     []string
	SampleRate   float64
	WindowLength int
	StepLength   int
	// Classes is empty when the training run wrote no class list.
	Classes []string
}

type preprocMeta struct {
	SFreq     float64 `json:"sfreq"`
	WindowLen int     `json:"window_len"`
	StepLen   int     `json:"step_len"`
}

// ArtifactPath returns the file for stem within dir.
func ArtifactPath(dir, stem, suffix string) string {
	return filepath.Join(dir, stem+suffix+".json")
}

// LoadArtifacts reads the channel list and preprocessing metadata from dir,
// plus the class list when present.
func LoadArtifacts(dir, suffix string) (*Artifacts, error) {
	a := &Artifacts{}

	if err := readArtifact(ArtifactPath(dir, ChannelsArtifact, suffix), &a.Channels); err != nil {
		return nil, err
	}
	if len(a.Channels) == 0 {
		return nil, configErrorf("%s lists no channels", ArtifactPath(dir, ChannelsArtifact, suffix))
	}

	var meta preprocMeta
	if err := readArtifact(ArtifactPath(dir, MetaArtifact, suffix), &meta); err != nil {
		return nil, err
	}
	if meta.SFreq <= 0 || meta.WindowLen <= 0 || meta.StepLen <= 0 {
		return nil, configErrorf("%s: sfreq, window_len and step_len must be positive, got %g, %d, %d",
			ArtifactPath(dir, MetaArtifact, suffix), meta.SFreq, meta.WindowLen, meta.StepLen)
	}
	a.SampleRate = meta.SFreq
	a.WindowLength = meta.WindowLen
	a.StepLength = meta.StepLen

	err := readArtifact(ArtifactPath(dir, ClassesArtifact, suffix), &a.Classes)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return a, nil
}

func readArtifact(path string, v any) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: artifact %s: %w", ErrConfiguration, path, err)
	}
	if info.Size() > maxFileSize {
		return configErrorf("artifact %s too large: %d bytes (max %d)", path, info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: artifact %s: %w", ErrConfiguration, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return configErrorf("artifact %s: %v", path, err)
	}
	return nil
}
