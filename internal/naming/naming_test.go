package naming_test

import (
	"testing"

	"github.com/basket/go-cue/internal/naming"
)

func TestGenerateName_LengthBounds(t *testing.T) {
	for i := 0; i < 500; i++ {
		name, err := naming.GenerateName()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(name) < 8 || len(name) > 12 {
			t.Fatalf("name %q has length %d, want 8..12", name, len(name))
		}
	}
}

func TestGenerateName_LowercaseLettersOnly(t *testing.T) {
	for i := 0; i < 200; i++ {
		name, err := naming.GenerateName()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		for _, r := range name {
			if r < 'a' || r > 'z' {
				t.Fatalf("name %q contains %q", name, r)
			}
		}
	}
}

func TestGenerateName_NotConstant(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, err := naming.GenerateName()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		seen[name] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected varied names, got %v", seen)
	}
}
