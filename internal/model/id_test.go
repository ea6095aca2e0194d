package model

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeRun, IDTypeStep} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !strings.HasPrefix(id, string(idType)+"_") {
			t.Errorf("expected prefix %s_, got %s", idType, id)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID should validate: %s", id)
		}
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("bogus"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MustGenerateID(IDTypeStep)
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDType(t *testing.T) {
	id := MustGenerateID(IDTypeRun)
	idType, err := ParseIDType(id)
	if err != nil {
		t.Fatalf("ParseIDType: %v", err)
	}
	if idType != IDTypeRun {
		t.Errorf("expected run, got %s", idType)
	}

	if _, err := ParseIDType("not-an-id"); err == nil {
		t.Error("expected error for malformed ID")
	}
}
