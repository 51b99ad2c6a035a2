package kernel_test

import (
	"errors"
	"testing"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/compute/host"
	"github.com/cwbudde/gpustress/internal/kernel"
)

func newCache(t *testing.T, cfg host.Config, program string) (*kernel.Cache, *host.Device) {
	t.Helper()

	src, err := kernel.LoadSource(program)
	if err != nil {
		t.Fatalf("LoadSource(%q) error = %v", program, err)
	}
	dev := host.NewDevice(cfg)
	cc, err := dev.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}
	t.Cleanup(cc.Release)

	c := kernel.NewCache(cc, src, nil)
	t.Cleanup(c.Release)
	return c, dev
}

func TestCacheBuildsOncePerKey(t *testing.T) {
	c, dev := newCache(t, host.Config{}, kernel.DefaultProgram)

	p1, err := c.Get(16, 3)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	p2, err := c.Get(16, 3)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p1 != p2 {
		t.Error("second Get() returned a different program")
	}
	if dev.Builds() != 1 {
		t.Errorf("builds = %d, want 1", dev.Builds())
	}
	if p1.Options != "-DGROUPSIZE=16 -DKITERSNUM=3" {
		t.Errorf("options = %q", p1.Options)
	}

	if _, err := c.Get(16, 4); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.Len() != 2 || dev.Builds() != 2 {
		t.Errorf("len = %d, builds = %d, want 2 and 2", c.Len(), dev.Builds())
	}
}

func TestCacheRetain(t *testing.T) {
	c, _ := newCache(t, host.Config{}, kernel.DefaultProgram)

	for k := 1; k <= 5; k++ {
		if _, err := c.Get(8, k); err != nil {
			t.Fatalf("Get(8, %d) error = %v", k, err)
		}
	}
	keep := kernel.Key{GroupSize: 8, KItersNum: 4}
	c.Retain(keep)

	if c.Len() != 1 {
		t.Fatalf("len after Retain = %d, want 1", c.Len())
	}
	p, err := c.Get(8, 4)
	if err != nil {
		t.Fatalf("Get() after Retain error = %v", err)
	}
	if p.Key != keep || p.Kernel() == nil {
		t.Errorf("retained program = %+v", p.Key)
	}
}

func TestCacheBuildFailure(t *testing.T) {
	c, _ := newCache(t, host.Config{FailBuild: 1}, kernel.DefaultProgram)

	_, err := c.Get(8, 1)
	var buildErr *compute.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Get() error = %v, want *compute.BuildError", err)
	}
	if buildErr.Options != "-DGROUPSIZE=8 -DKITERSNUM=1" {
		t.Errorf("build error options = %q", buildErr.Options)
	}
	if c.Len() != 0 {
		t.Errorf("failed build was cached")
	}

	// The injected failure is one-shot; the next build succeeds.
	if _, err := c.Get(8, 1); err != nil {
		t.Errorf("retry Get() error = %v", err)
	}
}

func TestProgramStaticArgs(t *testing.T) {
	tests := []struct {
		program string
		poly    bool
	}{
		{kernel.DefaultProgram, false},
		{"gpustressPW.cl", true},
		{"gpustressPW3.cl", true},
	}

	for _, tt := range tests {
		t.Run(tt.program, func(t *testing.T) {
			c, _ := newCache(t, host.Config{}, tt.program)
			p, err := c.Get(4, 1)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if p.Variant.PolyWalker != tt.poly {
				t.Errorf("poly walker = %v, want %v", p.Variant.PolyWalker, tt.poly)
			}
			if err := p.SetStaticArgs(8); err != nil {
				t.Errorf("SetStaticArgs() error = %v", err)
			}
		})
	}
}
