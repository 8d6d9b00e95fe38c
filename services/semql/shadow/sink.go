// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemorySink accumulates samples in memory. Used by tests and by
// deployments that read samples out through the admin surface.
type MemorySink struct {
	mu      sync.Mutex
	samples []Sample
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// Samples returns a copy of everything emitted so far.
func (s *MemorySink) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// JSONLSink appends one JSON object per sample to a file. The format is
// line-delimited so curation tooling can stream it.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLSink creates a JSONLSink writing to path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// Emit implements Sink.
func (s *JSONLSink) Emit(_ context.Context, sample Sample) error {
	line, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("shadow: marshaling sample: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("shadow: opening sample log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("shadow: writing sample: %w", err)
	}
	return nil
}
