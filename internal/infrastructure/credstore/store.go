// Package credstore reads and writes the local OAuth credentials file.
//
// Grounded on the same file-locating conventions as the rest of this
// codebase's local-config helpers (os.UserHomeDir + filepath.Join,
// os.MkdirAll before write) and on the "<host>:<app-id>" keyed-JSON shape
// used by the GitHub Copilot device-auth family of tools this gateway
// impersonates as a client.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Entry is one credential record, keyed by "<host>:<app-id>" inside the
// credentials file.
type Entry struct {
	OAuthToken string `json:"oauth_token"`
	User       string `json:"user"`
	GitHubApp  string `json:"githubAppId"`
}

// Store is the Credential Store contract: locate, read, and write the
// local credentials file. Read failures are swallowed and reported as
// "not found"; write failures surface.
type Store interface {
	ReadOAuthToken() (string, bool)
	SaveOAuthToken(token, user string) error
}

// FileStore implements Store against two on-disk JSON files: this
// system's own ("app") file, and a read-only fallback written by a
// co-installed tool ("foreign" file, e.g. the GitHub Copilot CLI).
type FileStore struct {
	mu sync.Mutex

	appFile     string
	foreignFile string
	appID       string
	host        string
	logger      *zap.Logger
}

var _ Store = (*FileStore)(nil)

// New creates a FileStore for the given app file, foreign file, OAuth
// application id, and host key prefix.
func New(appFile, foreignFile, appID, host string, logger *zap.Logger) *FileStore {
	return &FileStore{
		appFile:     appFile,
		foreignFile: foreignFile,
		appID:       appID,
		host:        host,
		logger:      logger.With(zap.String("component", "credstore")),
	}
}

// ReadOAuthToken examines the app file first, then the foreign file. In
// each, it tries the exact "<host>:<app-id>" key; if absent, it returns
// the first entry whose key starts with "<host>:". Returns (_, false)
// when neither file exists or no entry parses — read failures are
// swallowed, never surfaced as an error.
func (s *FileStore) ReadOAuthToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.lookup(s.appFile); ok {
		return tok, true
	}
	if tok, ok := s.lookup(s.foreignFile); ok {
		return tok, true
	}
	return "", false
}

func (s *FileStore) lookup(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	entries, err := readEntries(path)
	if err != nil {
		s.logger.Debug("credentials file unreadable, treating as absent",
			zap.String("path", path), zap.Error(err))
		return "", false
	}

	exactKey := s.host + ":" + s.appID
	if e, ok := entries[exactKey]; ok && e.OAuthToken != "" {
		return e.OAuthToken, true
	}

	prefix := s.host + ":"
	for key, e := range entries {
		if strings.HasPrefix(key, prefix) && e.OAuthToken != "" {
			return e.OAuthToken, true
		}
	}
	return "", false
}

// SaveOAuthToken writes the app file only — it never mutates the foreign
// file. Parent directories are created as needed; unrelated keys already
// present in the file are preserved.
func (s *FileStore) SaveOAuthToken(token, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.appFile), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	entries, err := readEntries(s.appFile)
	if err != nil {
		entries = map[string]Entry{}
	}

	key := s.host + ":" + s.appID
	entries[key] = Entry{
		OAuthToken: token,
		User:       user,
		GitHubApp:  s.appID,
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := os.WriteFile(s.appFile, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file %s: %w", s.appFile, err)
	}

	s.logger.Info("saved OAuth token", zap.String("user", user), zap.String("path", s.appFile))
	return nil
}

func readEntries(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}
