package retrieval

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// The embedding index is persisted per corpus content hash so restarts with
// an unchanged corpus skip recomputation entirely. The cache file is an
// implementation detail; a corrupt or missing file just forces a rebuild.

func (e *Engine) cachePath(hash string) string {
	if e.cfg.IndexCacheDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.IndexCacheDir, "embeddings-"+hash+".idx")
}

func (e *Engine) loadIndexCache(hash string) ([][]float32, bool) {
	path := e.cachePath(hash)
	if path == "" {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var vecs [][]float32
	if err := gob.NewDecoder(f).Decode(&vecs); err != nil {
		e.logger.Warn("Embedding index cache unreadable, rebuilding",
			zap.String("path", path), zap.Error(err))
		return nil, false
	}
	if len(vecs) != len(e.docs) {
		return nil, false
	}
	return vecs, true
}

func (e *Engine) saveIndexCache(hash string, vecs [][]float32) {
	path := e.cachePath(hash)
	if path == "" {
		return
	}
	if err := os.MkdirAll(e.cfg.IndexCacheDir, 0o755); err != nil {
		e.logger.Warn("Cannot create index cache dir", zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		e.logger.Warn("Cannot write index cache", zap.Error(err))
		return
	}
	if err := gob.NewEncoder(f).Encode(vecs); err != nil {
		f.Close()
		os.Remove(tmp)
		e.logger.Warn("Index cache encode failed", zap.Error(err))
		return
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		e.logger.Warn("Index cache rename failed", zap.Error(err))
	}
}
