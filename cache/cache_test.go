package cache

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"empty key", "", ErrInvalidKey},
		{"collection key", "calendar:shopping-lists", nil},
		{"item key", "calendar:shopping-list:42", nil},
		{"too long", strings.Repeat("x", MaxKeyLength+1), ErrKeyTooLong},
		{"contains newline", "calendar:\nmenus", ErrInvalidKey},
		{"contains carriage return", "calendar:\rmenus", ErrInvalidKey},
		{"whitespace only", "   ", ErrInvalidKey},
		{"max length exactly", strings.Repeat("x", MaxKeyLength), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		domain, resource string
		id               []string
		want             string
	}{
		{"calendar", "shopping-lists", nil, "calendar:shopping-lists"},
		{"calendar", "shopping-list", []string{"42"}, "calendar:shopping-list:42"},
		{"group", "family", []string{""}, "group:family"},
	}
	for _, tt := range tests {
		if got := Key(tt.domain, tt.resource, tt.id...); got != tt.want {
			t.Errorf("Key(%q, %q, %v) = %q, want %q", tt.domain, tt.resource, tt.id, got, tt.want)
		}
	}
}
