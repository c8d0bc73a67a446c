package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		reason  string
	}{
		{name: "current", version: CurrentVersion},
		{name: "zero", version: 0, reason: "invalid"},
		{name: "negative", version: -1, reason: "invalid"},
		{name: "newer", version: CurrentVersion + 1, reason: "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) error = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", ve.Reason, tt.reason)
			}
			if ve.Current != CurrentVersion {
				t.Fatalf("current = %d, want %d", ve.Current, CurrentVersion)
			}
		})
	}
}

func TestVersionErrorMessage(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if !strings.Contains(err.Error(), "upgrade relay") {
		t.Fatalf("Error() = %q", err.Error())
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Fatal("nil VersionError should render empty")
	}
}
