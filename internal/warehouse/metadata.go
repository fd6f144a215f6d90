package warehouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the hand-written description of the audited tables. It is
// embedded into agent system prompts.
type Metadata struct {
	Raw              map[string]any
	DataQualityNotes []string
}

// LoadMetadata reads a JSON or YAML schema file. A missing or malformed file
// yields empty metadata and a logged warning.
func LoadMetadata(path string, logger *log.Logger) Metadata {
	if logger == nil {
		logger = log.New(log.Writer(), "[WAREHOUSE] ", log.LstdFlags)
	}
	md, err := ParseMetadataFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Printf("warn: schema file not found at %s", path)
		} else {
			logger.Printf("warn: invalid schema file %s: %v", path, err)
		}
		return Metadata{Raw: map[string]any{}}
	}
	return md
}

// ParseMetadataFile is LoadMetadata with errors returned.
func ParseMetadataFile(path string) (Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &raw)
	default:
		err = json.Unmarshal(b, &raw)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("decode %s: %w", path, err)
	}
	md := Metadata{Raw: raw}
	if notes, ok := raw["data_quality_notes"].([]any); ok {
		for _, n := range notes {
			if s, ok := n.(string); ok {
				md.DataQualityNotes = append(md.DataQualityNotes, s)
			}
		}
	}
	return md, nil
}

// JSON renders the metadata for prompts; empty metadata renders as {}.
func (m Metadata) JSON() string {
	if len(m.Raw) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m.Raw)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// NotesText joins the known data quality issues, or "None".
func (m Metadata) NotesText() string {
	if len(m.DataQualityNotes) == 0 {
		return "None"
	}
	return strings.Join(m.DataQualityNotes, "\n    ")
}
