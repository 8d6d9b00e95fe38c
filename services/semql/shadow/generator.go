// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shadow runs the self-evolution pipeline: after a query is
// answered, an external semantic-path generator produces its own reading
// of the utterance, and divergence from the deterministic compilation is
// recorded as a correction sample. Nothing in this package sits on the
// response path.
package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

// ErrGeneratorUnavailable marks transport-level generator failures.
// Shadow-only and non-fatal; callers log and drop the cycle.
var ErrGeneratorUnavailable = errors.New("semantic path generator unavailable")

// Triple is the generator's candidate reading of an utterance. The
// generator knows nothing about physical tables, so no join edges.
type Triple struct {
	MetricKey     string                `json:"metric_key"`
	DimensionKeys []string              `json:"dimension_keys"`
	Constraints   []ontology.Constraint `json:"constraints"`
}

// Generator produces a candidate semantic triple for a raw query. The
// external model is a black box; outputs may be malformed and callers
// must treat every error as droppable.
type Generator interface {
	GeneratePath(ctx context.Context, query string) (*Triple, error)
}

const defaultGeneratorTimeout = 30 * time.Second

type generatorRequest struct {
	Query string `json:"query"`
}

type generatorResponse struct {
	Triple *Triple `json:"triple"`
	Error  string  `json:"error,omitempty"`
}

// HTTPGenerator calls a semantic-path generator over raw net/http.
//
// Description:
//
//	POSTs {"query": ...} to the configured endpoint and expects a
//	{"triple": {...}} response. No SDK; the endpoint contract is small
//	enough that a hand-rolled client keeps the dependency surface flat.
//
// Thread Safety: HTTPGenerator is safe for concurrent use.
type HTTPGenerator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPGenerator creates an HTTPGenerator for the given endpoint. The
// apiKey may be empty for unauthenticated deployments.
func NewHTTPGenerator(baseURL, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		httpClient: &http.Client{Timeout: defaultGeneratorTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// GeneratePath implements Generator.
//
// Outputs:
//
//	*Triple - The generator's candidate triple.
//	error   - Wraps ErrGeneratorUnavailable on transport failure; a
//	          plain error for malformed payloads.
func (g *HTTPGenerator) GeneratePath(ctx context.Context, query string) (*Triple, error) {
	reqBody, err := json.Marshal(generatorRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("shadow: marshaling generator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("shadow: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrGeneratorUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrGeneratorUnavailable, resp.StatusCode)
	}

	var parsed generatorResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("shadow: malformed generator payload: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("shadow: generator error: %s", parsed.Error)
	}
	if parsed.Triple == nil || parsed.Triple.MetricKey == "" {
		return nil, fmt.Errorf("shadow: generator returned no metric")
	}
	return parsed.Triple, nil
}
