package emucore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEngineConfigValidated(t *testing.T) {
	t.Run("nil selects the defaults", func(t *testing.T) {
		var config *EngineConfig
		got, err := config.Validated()
		if err != nil {
			t.Fatal(err)
		}
		want := &EngineConfig{
			MTU:               defaultMTU,
			RealizeTimeout:    Duration(defaultRealizeTimeout),
			Workers:           defaultWorkers,
			PropagationTick:   Duration(defaultPropagationTick),
			CaptureDir:        "",
			DefaultImpairment: ImpairmentConfig{},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("explicit values survive", func(t *testing.T) {
		config := &EngineConfig{
			MTU:             9000,
			RealizeTimeout:  Duration(time.Minute),
			Workers:         1,
			PropagationTick: Duration(100 * time.Millisecond),
			CaptureDir:      "/tmp/captures",
			DefaultImpairment: ImpairmentConfig{
				Bandwidth: 1_000_000,
				Delay:     Duration(10 * time.Millisecond),
				Jitter:    0,
				Loss:      0,
				Duplicate: 0,
			},
		}
		got, err := config.Validated()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(config, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("out of range values", func(t *testing.T) {
		badConfigs := []*EngineConfig{
			{MTU: 500},
			{RealizeTimeout: Duration(-time.Second)},
			{Workers: -1},
			{PropagationTick: Duration(-time.Second)},
			{DefaultImpairment: ImpairmentConfig{Loss: 101}},
		}
		for _, config := range badConfigs {
			if _, err := config.Validated(); !errors.Is(err, ErrInvalidParameter) {
				t.Fatal("unexpected error", err, config)
			}
		}
	})
}

func TestLoadEngineConfig(t *testing.T) {
	t.Run("well formed file", func(t *testing.T) {
		content := []byte(`
mtu: 1400
realize_timeout: 30s
workers: 2
propagation_tick: 250ms
capture_dir: /var/captures
default_impairment:
  bandwidth: 100000000
  delay: 1.5ms
  loss: 0.1
`)
		path := filepath.Join(t.TempDir(), "engine.yaml")
		if err := os.WriteFile(path, content, 0600); err != nil {
			t.Fatal(err)
		}
		config, err := LoadEngineConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		want := &EngineConfig{
			MTU:             1400,
			RealizeTimeout:  Duration(30 * time.Second),
			Workers:         2,
			PropagationTick: Duration(250 * time.Millisecond),
			CaptureDir:      "/var/captures",
			DefaultImpairment: ImpairmentConfig{
				Bandwidth: 100_000_000,
				Delay:     Duration(1500 * time.Microsecond),
				Jitter:    0,
				Loss:      0.1,
				Duplicate: 0,
			},
		}
		if diff := cmp.Diff(want, config); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("invalid duration string", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.yaml")
		if err := os.WriteFile(path, []byte("realize_timeout: nope\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadEngineConfig(path); !errors.Is(err, ErrInvalidParameter) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestDurationString(t *testing.T) {
	if got := Duration(1500 * time.Millisecond).String(); got != "1.5s" {
		t.Fatal("unexpected string", got)
	}
	if got := Duration(1500 * time.Millisecond).Std(); got != 1500*time.Millisecond {
		t.Fatal("unexpected duration", got)
	}
}
