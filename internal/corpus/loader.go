package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// LoadJSON decodes a corpus from a JSON array of documents.
func LoadJSON(r io.Reader) ([]Document, error) {
	var docs []Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}
	for i := range docs {
		if docs[i].ID == "" {
			return nil, fmt.Errorf("corpus document at index %d has no id", i)
		}
	}
	return docs, nil
}

// LoadJSONFile reads a corpus from a JSON file on disk.
func LoadJSONFile(path string, logger *zap.Logger) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus file: %w", err)
	}
	defer f.Close()

	docs, err := LoadJSON(f)
	if err != nil {
		return nil, fmt.Errorf("corpus file %s: %w", path, err)
	}
	logger.Info("Corpus loaded",
		zap.String("path", path),
		zap.Int("documents", len(docs)),
	)
	return docs, nil
}
