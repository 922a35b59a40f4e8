package main

import "testing"

func TestParseModels(t *testing.T) {
	models, err := parseModels([]string{"m-1=A1", " m-2 = B2 "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(models) != 2 || models[1].ID != "m-2" || models[1].Code != "B2" {
		t.Fatalf("unexpected models %+v", models)
	}
	if _, err := parseModels([]string{"broken"}); err == nil {
		t.Fatalf("expected error for missing code")
	}
}
