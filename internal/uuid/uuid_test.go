// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"strings"
	"testing"
)

// TestNew tests that New() generates valid, unique UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID is not v4: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewServerID tests the server id prefix.
func TestNewServerID(t *testing.T) {
	id := NewServerID()
	if !strings.HasPrefix(id, "srv-") {
		t.Errorf("NewServerID() = %q, want srv- prefix", id)
	}
	if !IsValid(strings.TrimPrefix(id, "srv-")) {
		t.Errorf("NewServerID() suffix is not a UUID v4: %q", id)
	}
}

// TestIsValid tests valid and invalid UUID strings.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"too short", "f47ac10b-58cc-4372-a567", false},
		{"version 1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"wrong variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidate tests the error message carries the input.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
	err := Validate("nope")
	if err == nil || !strings.Contains(err.Error(), `"nope"`) {
		t.Errorf("Validate() error = %v, want mention of input", err)
	}
}
