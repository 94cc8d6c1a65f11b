package emucore

import (
	"errors"
	"testing"
	"time"
)

func TestPropagationRegistry(t *testing.T) {
	t.Run("basic_range is registered", func(t *testing.T) {
		if !propagationModelRegistered(BasicRangeModelName) {
			t.Fatal("expected basic_range to be registered")
		}
		model, err := newPropagationModel(BasicRangeModelName)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := model.(*BasicRangeModel); !ok {
			t.Fatal("unexpected model type")
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		if propagationModelRegistered("antani") {
			t.Fatal("expected antani to be unregistered")
		}
		if _, err := newPropagationModel("antani"); !errors.Is(err, ErrUnknownModel) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("registration overwrites", func(t *testing.T) {
		name := "testmodel"
		RegisterPropagationModel(name, func() PropagationModel {
			return &BasicRangeModel{}
		})
		RegisterPropagationModel(name, func() PropagationModel {
			return &BasicRangeModel{Range: 42}
		})
		model := Must1(newPropagationModel(name))
		if model.(*BasicRangeModel).Range != 42 {
			t.Fatal("expected the second factory to win")
		}
	})
}

func TestBasicRangeModelConfigure(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		model := &BasicRangeModel{}
		if err := model.Configure(nil); err != nil {
			t.Fatal(err)
		}
		if model.Range != basicRangeDefaultRange {
			t.Fatal("unexpected range", model.Range)
		}
		if model.InRange.Bandwidth != basicRangeDefaultBandwidth {
			t.Fatal("unexpected bandwidth", model.InRange.Bandwidth)
		}
		if model.InRange.Delay != basicRangeDefaultDelay {
			t.Fatal("unexpected delay", model.InRange.Delay)
		}
	})

	t.Run("explicit parameters", func(t *testing.T) {
		model := &BasicRangeModel{}
		err := model.Configure(map[string]string{
			"range":     "120.5",
			"bandwidth": "1000000",
			"delay":     "25ms",
			"jitter":    "2ms",
			"loss":      "1.5",
		})
		if err != nil {
			t.Fatal(err)
		}
		if model.Range != 120.5 {
			t.Fatal("unexpected range", model.Range)
		}
		if model.InRange.Bandwidth != 1_000_000 {
			t.Fatal("unexpected bandwidth", model.InRange.Bandwidth)
		}
		if model.InRange.Delay != 25*time.Millisecond {
			t.Fatal("unexpected delay", model.InRange.Delay)
		}
		if model.InRange.Jitter != 2*time.Millisecond {
			t.Fatal("unexpected jitter", model.InRange.Jitter)
		}
		if model.InRange.Loss != 1.5 {
			t.Fatal("unexpected loss", model.InRange.Loss)
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		badParams := []map[string]string{
			{"range": "nope"},
			{"range": "-1"},
			{"bandwidth": "many"},
			{"bandwidth": "-1"},
			{"delay": "fast"},
			{"delay": "-5ms"},
			{"jitter": "-1ms"},
			{"loss": "101"},
			{"loss": "-0.5"},
			{"antani": "1"},
		}
		for _, params := range badParams {
			model := &BasicRangeModel{}
			if err := model.Configure(params); !errors.Is(err, ErrInvalidParameter) {
				t.Fatal("unexpected error", err, params)
			}
		}
	})
}

func TestBasicRangeModelComputeLinkQuality(t *testing.T) {
	model := &BasicRangeModel{}
	if err := model.Configure(map[string]string{"range": "100"}); err != nil {
		t.Fatal(err)
	}

	t.Run("within range", func(t *testing.T) {
		a := &Station{Node: 1, Position: Position{X: 0, Y: 0}, Link: 1}
		b := &Station{Node: 2, Position: Position{X: 60, Y: 80}, Link: 2}
		imp, err := model.ComputeLinkQuality(a, b)
		if err != nil {
			t.Fatal(err)
		}
		if imp.Loss != 0 {
			t.Fatal("unexpected loss", imp.Loss)
		}
		if imp.Bandwidth != basicRangeDefaultBandwidth {
			t.Fatal("unexpected bandwidth", imp.Bandwidth)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		a := &Station{Node: 1, Position: Position{X: 0, Y: 0}, Link: 1}
		b := &Station{Node: 2, Position: Position{X: 100, Y: 100}, Link: 2}
		imp, err := model.ComputeLinkQuality(a, b)
		if err != nil {
			t.Fatal(err)
		}
		if imp.Loss != 100 {
			t.Fatal("unexpected loss", imp.Loss)
		}
		// everything else stays at the in-range values
		if imp.Delay != basicRangeDefaultDelay {
			t.Fatal("unexpected delay", imp.Delay)
		}
	})
}
