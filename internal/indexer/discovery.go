package indexer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SourceFile is one discovered ingestable file.
type SourceFile struct {
	// KBDir is the knowledge directory the file was found under.
	KBDir string
	// Path is the absolute file path.
	Path string
	// ModTime is the file's modification time at discovery.
	ModTime time.Time
}

// DocID derives the document id: the path relative to the knowledge
// directory's parent, so ids keep the kb dir name as a prefix and stay
// unique across directories.
func (s SourceFile) DocID() string {
	rel, err := filepath.Rel(filepath.Dir(s.KBDir), s.Path)
	if err != nil {
		return s.Path
	}
	return filepath.ToSlash(rel)
}

// Discover walks the knowledge directories and returns matching files in a
// deterministic order. Missing directories are logged and skipped; symlinks
// are never followed.
func Discover(dirs []string, extensions []string) []SourceFile {
	if len(extensions) == 0 {
		extensions = []string{".md"}
	}
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}

	var files []SourceFile
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			log.Warn().Str("dir", dir).Msg("Knowledge directory missing, skipping")
			continue
		}

		err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Discovery error, skipping entry")
				return nil
			}
			if d.Type()&os.ModeSymlink != 0 {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := extSet[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Stat failed, skipping file")
				return nil
			}
			files = append(files, SourceFile{KBDir: dir, Path: path, ModTime: fi.ModTime()})
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Walk failed")
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].KBDir != files[j].KBDir {
			return files[i].KBDir < files[j].KBDir
		}
		return files[i].Path < files[j].Path
	})
	return files
}
