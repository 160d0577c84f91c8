package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/chunker"
	"github.com/cloo-solutions/regaudit/internal/domain"
)

// MaxFileBytes is the largest file IngestDirectory reads.
const MaxFileBytes = 1 << 20

var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

var configExts = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
	".toml": true,
	".sql":  true,
	".tf":   true,
	".env":  true,
}

// DirectoryResult summarises an IngestDirectory run
type DirectoryResult struct {
	Files   int               `json:"files"`
	Skipped int               `json:"skipped"`
	Created int               `json:"created"`
	Reused  int               `json:"reused"`
	Retired int               `json:"retired"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Ingestible reports whether a repository path is source or configuration
// worth chunking.
func Ingestible(rel string) bool {
	if chunker.LanguageOf(rel) != "" {
		return true
	}
	return configExts[strings.ToLower(path.Ext(rel))]
}

// IngestDirectory ingests every source file under root into the code corpus
// of repoID, then retires sources that no longer exist. A file that cannot be
// ingested is recorded in Errors and does not stop the walk.
func (s *Service) IngestDirectory(ctx context.Context, repoID, root string) (*DirectoryResult, error) {
	res := &DirectoryResult{Errors: make(map[string]string)}
	seen := make(map[string]bool)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !d.Type().IsRegular() || !Ingestible(rel) {
			res.Skipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileBytes {
			res.Skipped++
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			res.Skipped++
			return nil
		}

		seen[rel] = true
		out, err := s.IngestSource(ctx, SourceInput{
			Corpus:   domain.CorpusCode,
			CorpusID: repoID,
			SourceID: rel,
			Text:     string(data),
		})
		if err != nil {
			if errors.Is(err, domain.ErrEmptySource) {
				res.Skipped++
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			res.Errors[rel] = err.Error()
			return nil
		}

		res.Files++
		res.Created += out.Created
		res.Reused += out.Reused
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", root, err)
	}

	sources, err := s.store.ListSources(ctx, domain.CorpusCode, repoID)
	if err != nil {
		return res, fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		if seen[src] {
			continue
		}
		if err := s.store.RetireSource(ctx, domain.CorpusCode, repoID, src); err != nil {
			return res, fmt.Errorf("retire source %s: %w", src, err)
		}
		res.Retired++
	}

	log.Info().
		Str("repo_id", repoID).
		Int("files", res.Files).
		Int("skipped", res.Skipped).
		Int("created", res.Created).
		Int("reused", res.Reused).
		Int("retired", res.Retired).
		Int("errors", len(res.Errors)).
		Msg("ingest: directory complete")

	return res, nil
}
