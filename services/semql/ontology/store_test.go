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
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_LoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.yaml")
	fs, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	contents, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(contents.Mappings) != 0 || len(contents.Sources) != 0 {
		t.Errorf("expected empty contents, got %+v", contents)
	}
}

func TestFileStore_SaveMappingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.yaml")
	fs, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	m := EntityMapping{
		Key: "revenue", Label: "收益额", Role: RoleMetric,
		Table: "t_revenue_data", Column: "amount", SourceID: "pg-main",
	}
	saved, err := fs.SaveMapping(context.Background(), m)
	if err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}
	if saved.ID == "" {
		t.Error("expected assigned ID")
	}

	contents, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(contents.Mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(contents.Mappings))
	}
	if contents.Mappings[0].Key != "revenue" {
		t.Errorf("unexpected key %q", contents.Mappings[0].Key)
	}
}

func TestFileStore_UpsertByKeyKeepsID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.yaml")
	fs, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	ctx := context.Background()
	first, err := fs.SaveMapping(ctx, EntityMapping{
		Key: "revenue", Label: "收益额", Role: RoleMetric,
		Table: "t_revenue_data", Column: "amount", SourceID: "pg-main",
	})
	if err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}

	second, err := fs.SaveMapping(ctx, EntityMapping{
		Key: "revenue", Label: "收益额", Role: RoleMetric,
		Table: "t_revenue_data", Column: "net_amount", SourceID: "pg-main",
	})
	if err != nil {
		t.Fatalf("SaveMapping (update): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert by key must keep the original ID: %s != %s", second.ID, first.ID)
	}

	contents, _ := fs.Load(ctx)
	if len(contents.Mappings) != 1 {
		t.Errorf("expected upsert, got %d mappings", len(contents.Mappings))
	}
	if contents.Mappings[0].Column != "net_amount" {
		t.Errorf("expected updated column, got %q", contents.Mappings[0].Column)
	}
}

func TestFileStore_SaveNotifiesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.yaml")
	fs, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	// Drain anything pending from store creation.
	select {
	case <-fs.Changes():
	default:
	}

	if err := fs.SaveSource(context.Background(), DataSource{
		ID: "pg-main", DBType: "postgres", ConnectionURL: "postgres://localhost/app",
	}); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}

	select {
	case <-fs.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after SaveSource")
	}
}

func TestFileStore_SaveSourceValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.yaml")
	fs, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	if err := fs.SaveSource(context.Background(), DataSource{ID: "x"}); err == nil {
		t.Error("expected error for incomplete data source")
	}
}

func TestStaticStore_SaveAndNotify(t *testing.T) {
	s := NewStaticStore(Contents{})
	ctx := context.Background()

	if _, err := s.SaveMapping(ctx, EntityMapping{
		Key: "revenue", Label: "收益额", Role: RoleMetric,
		Table: "t", Column: "c", SourceID: "src",
	}); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected change notification")
	}

	contents, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(contents.Mappings) != 1 {
		t.Errorf("expected 1 mapping, got %d", len(contents.Mappings))
	}
}
