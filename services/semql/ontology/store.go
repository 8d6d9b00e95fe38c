// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ontology

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Contents is the full current state of the mapping store.
type Contents struct {
	Mappings  []EntityMapping    `yaml:"mappings"`
	Relations []OntologyRelation `yaml:"relations"`
	Sources   []DataSource       `yaml:"datasources"`
}

// Store is the read interface to the ontology/mapping collaborator.
//
// Description:
//
//	The engine treats mapping curation as out of band: Load returns the
//	full current record set, and Changes delivers a notification whenever
//	that set may have changed, which the engine uses to rebuild the Alias
//	Index and ontology Snapshot. Save operations exist for the admin
//	surface and must themselves produce a change notification.
type Store interface {
	Load(ctx context.Context) (*Contents, error)
	SaveMapping(ctx context.Context, m EntityMapping) (EntityMapping, error)
	SaveSource(ctx context.Context, src DataSource) error
	Changes() <-chan struct{}
	Close() error
}

// FileStore is a YAML-file-backed Store watched with fsnotify.
//
// Description:
//
//	Holds the whole ontology in a single YAML document. External edits to
//	the file (curation tooling, kubectl cp, a text editor) are picked up
//	via fsnotify and surfaced on Changes; Save operations rewrite the file
//	atomically (temp file + rename) and notify directly.
//
// Thread Safety: Safe for concurrent use.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

// NewFileStore opens (or creates) the YAML store at path and starts the
// file watcher.
//
// Inputs:
//
//	path   - YAML file location. Created empty if missing.
//	logger - Logger instance. nil falls back to slog.Default.
//
// Outputs:
//
//	*FileStore - The open store.
//	error      - Non-nil if the file cannot be created or watched.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeContents(path, &Contents{}); err != nil {
			return nil, fmt.Errorf("ontology store: create %s: %w", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ontology store: watcher: %w", err)
	}
	// Watch the directory, not the file: editors and atomic renames swap
	// the inode out from under a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ontology store: watch %s: %w", filepath.Dir(path), err)
	}

	fs := &FileStore{
		path:    path,
		logger:  logger,
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go fs.watchLoop()
	return fs, nil
}

// Load reads and parses the full current contents.
func (fs *FileStore) Load(ctx context.Context) (*Contents, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return readContents(fs.path)
}

// SaveMapping upserts a mapping by ontology key and rewrites the store.
//
// Description:
//
//	An empty ID is assigned a fresh UUID. Matching is by Key: a mapping
//	with an existing key replaces that record (curation update), anything
//	else appends. The change notification fires after the rewrite.
//
// Outputs:
//
//	EntityMapping - The stored record, including any assigned ID.
//	error         - Non-nil on validation or I/O failure.
func (fs *FileStore) SaveMapping(ctx context.Context, m EntityMapping) (EntityMapping, error) {
	if err := ctx.Err(); err != nil {
		return EntityMapping{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return EntityMapping{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	contents, err := readContents(fs.path)
	if err != nil {
		return EntityMapping{}, err
	}
	replaced := false
	for i := range contents.Mappings {
		if contents.Mappings[i].Key == m.Key {
			m.ID = contents.Mappings[i].ID
			contents.Mappings[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		contents.Mappings = append(contents.Mappings, m)
	}
	if err := writeContents(fs.path, contents); err != nil {
		return EntityMapping{}, err
	}
	fs.notify()
	fs.logger.Info("mapping saved",
		slog.String("key", m.Key),
		slog.Bool("replaced", replaced),
	)
	return m, nil
}

// SaveSource upserts a data source by id and rewrites the store.
func (fs *FileStore) SaveSource(ctx context.Context, src DataSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if src.ID == "" || src.DBType == "" || src.ConnectionURL == "" {
		return fmt.Errorf("ontology store: data source requires id, db_type and connection_url")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	contents, err := readContents(fs.path)
	if err != nil {
		return err
	}
	replaced := false
	for i := range contents.Sources {
		if contents.Sources[i].ID == src.ID {
			contents.Sources[i] = src
			replaced = true
			break
		}
	}
	if !replaced {
		contents.Sources = append(contents.Sources, src)
	}
	if err := writeContents(fs.path, contents); err != nil {
		return err
	}
	fs.notify()
	return nil
}

// Changes returns the change notification channel. The channel has a
// buffer of one; bursts of edits coalesce into a single notification.
func (fs *FileStore) Changes() <-chan struct{} {
	return fs.changes
}

// Close stops the watcher. The Changes channel is not closed; consumers
// select on it together with their own shutdown signal.
func (fs *FileStore) Close() error {
	close(fs.done)
	return fs.watcher.Close()
}

func (fs *FileStore) watchLoop() {
	base := filepath.Base(fs.path)
	for {
		select {
		case <-fs.done:
			return
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				fs.notify()
			}
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("ontology store watcher error", slog.String("error", err.Error()))
		}
	}
}

func (fs *FileStore) notify() {
	select {
	case fs.changes <- struct{}{}:
	default:
	}
}

func readContents(path string) (*Contents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ontology store: read %s: %w", path, err)
	}
	var c Contents
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("ontology store: parse %s: %w", path, err)
	}
	return &c, nil
}

func writeContents(path string, c *Contents) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// StaticStore is an in-memory Store for tests and embedded use. Change
// notifications fire on every save.
type StaticStore struct {
	mu       sync.Mutex
	contents Contents
	changes  chan struct{}
}

// NewStaticStore creates a StaticStore seeded with the given contents.
func NewStaticStore(contents Contents) *StaticStore {
	return &StaticStore{
		contents: contents,
		changes:  make(chan struct{}, 1),
	}
}

// Load returns a deep-enough copy of the current contents.
func (s *StaticStore) Load(ctx context.Context) (*Contents, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Contents{
		Mappings:  append([]EntityMapping(nil), s.contents.Mappings...),
		Relations: append([]OntologyRelation(nil), s.contents.Relations...),
		Sources:   append([]DataSource(nil), s.contents.Sources...),
	}
	return &c, nil
}

// SaveMapping upserts a mapping by key.
func (s *StaticStore) SaveMapping(ctx context.Context, m EntityMapping) (EntityMapping, error) {
	if err := ctx.Err(); err != nil {
		return EntityMapping{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return EntityMapping{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.contents.Mappings {
		if s.contents.Mappings[i].Key == m.Key {
			m.ID = s.contents.Mappings[i].ID
			s.contents.Mappings[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		s.contents.Mappings = append(s.contents.Mappings, m)
	}
	s.notify()
	return m, nil
}

// SaveSource upserts a data source by id.
func (s *StaticStore) SaveSource(ctx context.Context, src DataSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.contents.Sources {
		if s.contents.Sources[i].ID == src.ID {
			s.contents.Sources[i] = src
			s.notify()
			return nil
		}
	}
	s.contents.Sources = append(s.contents.Sources, src)
	s.notify()
	return nil
}

// SaveRelation upserts a relation by id.
func (s *StaticStore) SaveRelation(ctx context.Context, r OntologyRelation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.contents.Relations {
		if s.contents.Relations[i].ID == r.ID {
			s.contents.Relations[i] = r
			s.notify()
			return nil
		}
	}
	s.contents.Relations = append(s.contents.Relations, r)
	s.notify()
	return nil
}

// Changes returns the change notification channel.
func (s *StaticStore) Changes() <-chan struct{} { return s.changes }

// Close is a no-op.
func (s *StaticStore) Close() error { return nil }

func (s *StaticStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
