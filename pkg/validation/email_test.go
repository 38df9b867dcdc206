package validation

import "testing"

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"plain", "jean@example.com", false},
		{"subdomain", "marie.roy@mail.example.ca", false},
		{"empty", "", true},
		{"no at", "jean.example.com", true},
		{"no domain dot", "jean@localhost", true},
		{"display name", "Jean <jean@example.com>", true},
		{"trailing at", "jean@", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAndNormalizeEmail(t *testing.T) {
	got, err := ValidateAndNormalizeEmail("  Jean@Example.COM ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "jean@example.com" {
		t.Errorf("got %q, want %q", got, "jean@example.com")
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("billing@minipass.me"); got != "minipass.me" {
		t.Errorf("Domain() = %q, want minipass.me", got)
	}
	if got := Domain("nobody"); got != "" {
		t.Errorf("Domain() = %q, want empty", got)
	}
}
