package backend

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Backend
	}{
		{"", OpenCL},
		{"OpenCL", OpenCL},
		{" cl ", OpenCL},
		{"host", Host},
		{"CPU", Host},
		{"vulkan", Backend("vulkan")},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlatformsHost(t *testing.T) {
	platforms, err := Platforms("host")
	if err != nil {
		t.Fatalf("Platforms(host): %v", err)
	}
	if len(platforms) != 1 {
		t.Fatalf("expected one host platform, got %d", len(platforms))
	}
	devices, err := platforms[0].Devices()
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one host device, got %d (%v)", len(devices), err)
	}
}

func TestPlatformsUnknown(t *testing.T) {
	if _, err := Platforms("vulkan"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}
