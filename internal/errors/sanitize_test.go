package errors

import (
	"errors"
	"strings"
	"testing"
)

func withProduction(t *testing.T, on bool) {
	t.Helper()
	orig := IsProduction()
	SetProductionMode(on)
	t.Cleanup(func() { SetProductionMode(orig) })
}

func TestSanitizeError_ProductionMode(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name        string
		input       error
		contains    string
		notContains string
	}{
		{
			name:        "file path removal",
			input:       errors.New("remove /var/lib/midsoc/siem/harmfulFiles.csv: permission denied"),
			contains:    "harmfulFiles.csv",
			notContains: "/var/lib/midsoc",
		},
		{
			name:        "IP address masking",
			input:       errors.New("dial tcp 192.168.1.100:8089: connection refused"),
			contains:    "192.168.x.x",
			notContains: "192.168.1.100",
		},
		{
			name:        "credential masking",
			input:       errors.New("upload rejected token=abc123"),
			contains:    "token=[REDACTED]",
			notContains: "abc123",
		},
		{
			name:        "windows path",
			input:       errors.New(`delete C:\Users\bob\evil.exe failed`),
			contains:    "evil.exe",
			notContains: `C:\Users`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeError(tt.input).Error()

			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("expected result to contain %q, got %q", tt.contains, result)
			}
			if tt.notContains != "" && strings.Contains(result, tt.notContains) {
				t.Errorf("expected result to NOT contain %q, but it does: %q", tt.notContains, result)
			}
		})
	}
}

func TestSanitizeError_Nil(t *testing.T) {
	withProduction(t, true)
	if SanitizeError(nil) != nil {
		t.Error("SanitizeError(nil) should be nil")
	}
}

func TestSanitizeError_DevelopmentMode(t *testing.T) {
	withProduction(t, false)

	input := errors.New("failed to open /var/lib/midsoc/edr/detect.json")
	if result := SanitizeError(input); result != input {
		t.Errorf("expected error to be unchanged in development mode, got %q", result)
	}
}

func TestSanitizeString_StackTrace(t *testing.T) {
	withProduction(t, true)

	if got := SanitizeString("panic\ngoroutine 1 [running]:\nmain.main()"); got != "internal error" {
		t.Errorf("SanitizeString(stack) = %q, want %q", got, "internal error")
	}
}

func TestWrapSanitized(t *testing.T) {
	withProduction(t, true)

	wrapped := WrapSanitized(errors.New("open /srv/edr/out.json"), "classify")
	result := wrapped.Error()

	if !strings.HasPrefix(result, "classify: ") {
		t.Errorf("expected wrapper message in result, got %q", result)
	}
	if strings.Contains(result, "/srv/edr") {
		t.Errorf("expected path to be sanitized, got %q", result)
	}
	if WrapSanitized(nil, "x") != nil {
		t.Error("WrapSanitized(nil) should be nil")
	}
}

func TestSetProductionMode(t *testing.T) {
	withProduction(t, false)

	SetProductionMode(true)
	if !IsProduction() {
		t.Error("expected production mode to be true")
	}

	SetProductionMode(false)
	if IsProduction() {
		t.Error("expected production mode to be false")
	}
}
