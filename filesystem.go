package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var ErrKeyCollision = errors.New("two local files map to the same key")

// appFs is swapped for afero.NewMemMapFs() in tests.
var appFs = afero.NewOsFs()

var (
	defaultExcludeFiles       = []string{".DS_Store"}
	defaultExcludeDirectories = []string{"@eaDir", "#recycle"}
)

// LocalFileRecord is one regular file found under the source folder.
type LocalFileRecord struct {
	Key     FileKey
	Path    string
	Size    int64
	ModTime time.Time
}

// DirectoryContents is the keyed result of one scan.
type DirectoryContents struct {
	Map   map[FileKey]LocalFileRecord
	Items []LocalFileRecord
}

// Scanner enumerates files below Root, dropping excluded ones.
type Scanner struct {
	Fs      afero.Fs
	Root    string
	Exclude []string
	// IgnoreFile is a gitignore style file relative to Root. Missing is fine.
	IgnoreFile string

	ignore *gitignore.GitIgnore
}

func NewScanner(sc SyncConfig) *Scanner {
	return &Scanner{
		Fs:         appFs,
		Root:       sc.SourceFolder,
		Exclude:    sc.Exclude,
		IgnoreFile: sc.IgnoreFile,
	}
}

func (s *Scanner) Scan() (DirectoryContents, error) {
	contents := DirectoryContents{
		Map:   make(map[FileKey]LocalFileRecord),
		Items: make([]LocalFileRecord, 0),
	}

	rootInfo, statErr := s.Fs.Stat(s.Root)
	if statErr != nil {
		return contents, fmt.Errorf("source folder %s: %w", s.Root, statErr)
	}
	if !rootInfo.IsDir() {
		return contents, fmt.Errorf("source folder %s is not a directory", s.Root)
	}
	for _, pattern := range s.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return contents, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	if loadErr := s.loadIgnoreFile(); loadErr != nil {
		return contents, loadErr
	}

	walkErr := afero.Walk(s.Fs, s.Root, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == s.Root {
			return nil
		}
		if f.IsDir() {
			if isExcludedName(f.Name(), defaultExcludeDirectories) {
				log.Debug(fmt.Sprintf("%s is an excluded directory. skipping...", path))
				return filepath.SkipDir
			}
			return nil
		}
		if !f.Mode().IsRegular() {
			return nil
		}
		if isExcludedName(f.Name(), defaultExcludeFiles) {
			return nil
		}

		key, keyErr := KeyFromLocalPath(s.Root, path)
		if keyErr != nil {
			return keyErr
		}
		if s.isExcluded(key) {
			log.Debug(fmt.Sprintf("%s matches exclusion list. skipping...", path))
			return nil
		}

		record := LocalFileRecord{Key: key, Path: path, Size: f.Size(), ModTime: f.ModTime()}
		contents.Items = append(contents.Items, record)
		if _, dup := contents.Map[key]; dup {
			return fmt.Errorf("%w: %s", ErrKeyCollision, key)
		}
		contents.Map[key] = record

		return nil
	})
	if walkErr != nil {
		return contents, fmt.Errorf("walking %s: %w", s.Root, walkErr)
	}

	return contents, nil
}

func (s *Scanner) isExcluded(key FileKey) bool {
	for _, pattern := range s.Exclude {
		if matched, _ := doublestar.Match(pattern, string(key)); matched {
			return true
		}
	}

	return s.ignore != nil && s.ignore.MatchesPath(string(key))
}

func (s *Scanner) loadIgnoreFile() error {
	s.ignore = nil
	if s.IgnoreFile == "" {
		return nil
	}

	ignorePath := filepath.Join(s.Root, s.IgnoreFile)
	data, readErr := afero.ReadFile(s.Fs, ignorePath)
	if errors.Is(readErr, os.ErrNotExist) {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("reading ignore file %s: %w", ignorePath, readErr)
	}

	lines := []string{filepath.ToSlash(s.IgnoreFile)}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	s.ignore = gitignore.CompileIgnoreLines(lines...)
	log.Info(fmt.Sprintf("Loaded %d ignore rules from %s", len(lines)-1, ignorePath))

	return nil
}

func isExcludedName(name string, excluded []string) bool {
	for _, e := range excluded {
		if strings.EqualFold(name, e) {
			return true
		}
	}

	return false
}
