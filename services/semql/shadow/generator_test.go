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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPGenerator_ParsesTriple(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Query != "按平台查收益额" {
			t.Errorf("unexpected query %q", req.Query)
		}
		json.NewEncoder(w).Encode(generatorResponse{Triple: &Triple{
			MetricKey:     "revenue",
			DimensionKeys: []string{"platform"},
		}})
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "")
	triple, err := gen.GeneratePath(context.Background(), "按平台查收益额")
	if err != nil {
		t.Fatalf("GeneratePath: %v", err)
	}
	if triple.MetricKey != "revenue" || len(triple.DimensionKeys) != 1 {
		t.Errorf("unexpected triple %+v", triple)
	}
}

func TestHTTPGenerator_BearerHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(generatorResponse{Triple: &Triple{MetricKey: "revenue"}})
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "sekrit")
	if _, err := gen.GeneratePath(context.Background(), "q"); err != nil {
		t.Fatalf("GeneratePath: %v", err)
	}
}

func TestHTTPGenerator_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "")
	_, err := gen.GeneratePath(context.Background(), "q")
	if !errors.Is(err, ErrGeneratorUnavailable) {
		t.Errorf("expected ErrGeneratorUnavailable, got %v", err)
	}
}

func TestHTTPGenerator_MalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "")
	if _, err := gen.GeneratePath(context.Background(), "q"); err == nil {
		t.Error("malformed payload must error")
	}
}

func TestHTTPGenerator_MissingMetricRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generatorResponse{Triple: &Triple{}})
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "")
	if _, err := gen.GeneratePath(context.Background(), "q"); err == nil {
		t.Error("triple without a metric must error")
	}
}
