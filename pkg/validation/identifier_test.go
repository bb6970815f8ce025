package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "tmpl-fetch", false},
		{"single char", "a", false},
		{"with digit", "cap-v2", false},
		{"dotted", "cap.io", false},
		{"all digits", "12345", false},
		{"max length", strings.Repeat("a", 64), false},

		// Invalid identifiers - key escapes and junk
		{"empty", "", true},
		{"slash", "tmpl/fetch", true},
		{"path traversal", "../secrets", true},
		{"uppercase", "Tmpl-Fetch", true},
		{"spaces", "tmpl fetch", true},
		{"newline", "tmpl\nfetch", true},
		{"special chars", "tmpl@fetch", true},
		{"starts with dot", ".tmpl", true},
		{"starts with hyphen", "-tmpl", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"tmpl-a", "tmpl-b", "cap-fetch"}, false},
		{"one invalid", []string{"tmpl-a", "Bad!", "cap-fetch"}, true},
		{"all invalid", []string{"TMPL", "../x"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifiers(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifiers(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already clean", "tmpl-fetch", "tmpl-fetch", false},
		{"uppercase normalized", "TMPL-FETCH", "tmpl-fetch", false},
		{"trimmed", "  tmpl-fetch  ", "tmpl-fetch", false},
		{"still invalid after normalize", "tmpl fetch", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeIdentifier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
