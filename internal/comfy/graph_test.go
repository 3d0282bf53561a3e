package comfy

import (
	"testing"
)

func sampleWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"3": map[string]interface{}{
			"class_type": "KSampler",
			"inputs": map[string]interface{}{
				"seed":  float64(-1),
				"steps": float64(20),
			},
		},
		"5": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]interface{}{
				"text": "a cat",
			},
		},
		"9": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs":     map[string]interface{}{},
		},
	}
}

func TestNormalizeGraphUnwrapsPrompt(t *testing.T) {
	wrapped := map[string]interface{}{"prompt": sampleWorkflow()}
	g, err := NormalizeGraph(wrapped)
	if err != nil {
		t.Fatalf("NormalizeGraph: %v", err)
	}
	if _, ok := g["3"]; !ok {
		t.Fatal("node 3 missing after unwrap")
	}
}

func TestNormalizeGraphDeepCopies(t *testing.T) {
	src := sampleWorkflow()
	g, err := NormalizeGraph(src)
	if err != nil {
		t.Fatalf("NormalizeGraph: %v", err)
	}

	g["5"]["inputs"].(map[string]interface{})["text"] = "changed"

	orig := src["5"].(map[string]interface{})["inputs"].(map[string]interface{})["text"]
	if orig != "a cat" {
		t.Errorf("source mutated: text = %v", orig)
	}
}

func TestApplyInputs(t *testing.T) {
	g, _ := NormalizeGraph(sampleWorkflow())
	ApplyInputs(g, map[string]interface{}{
		"5.text":    "a dog",
		"nodot":     "skipped",
		"99.field":  "unknown node, skipped",
		"3.steps":   float64(30),
	})

	if got := g["5"]["inputs"].(map[string]interface{})["text"]; got != "a dog" {
		t.Errorf("text = %v", got)
	}
	if got := g["3"]["inputs"].(map[string]interface{})["steps"]; got != float64(30) {
		t.Errorf("steps = %v", got)
	}
	if _, ok := g["99"]; ok {
		t.Error("unknown node materialized")
	}
}

func TestResolveSentinelSeeds(t *testing.T) {
	g, _ := NormalizeGraph(sampleWorkflow())
	resolved := ResolveSentinelSeeds(g)

	seed, ok := resolved["3.seed"]
	if !ok {
		t.Fatal("sentinel seed not resolved")
	}
	if seed < 1 || seed >= SentinelSeedMax {
		t.Errorf("seed = %d, out of range", seed)
	}
	if got := g["3"]["inputs"].(map[string]interface{})["seed"]; got != seed {
		t.Errorf("graph seed = %v, resolved = %d", got, seed)
	}
}

func TestResolveSentinelSeedsVariants(t *testing.T) {
	cases := []struct {
		name    string
		value   interface{}
		resolve bool
	}{
		{"minus one", float64(-1), true},
		{"zero", float64(0), true},
		{"string minus one", "-1", true},
		{"string zero", "0", true},
		{"concrete", float64(42), false},
		{"other string", "7", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := Graph{
				"1": map[string]interface{}{
					"class_type": "KSampler",
					"inputs":     map[string]interface{}{"seed": tc.value},
				},
			}
			resolved := ResolveSentinelSeeds(g)
			if _, ok := resolved["1.seed"]; ok != tc.resolve {
				t.Errorf("resolved = %v, want %v", ok, tc.resolve)
			}
			if !tc.resolve {
				if got := g["1"]["inputs"].(map[string]interface{})["seed"]; got != tc.value {
					t.Errorf("seed changed to %v", got)
				}
			}
		})
	}
}

func TestResolveSentinelSeedsIgnoresSubstringFields(t *testing.T) {
	// Only fields literally named seed/noise_seed get sentinel handling.
	g := Graph{
		"1": map[string]interface{}{
			"inputs": map[string]interface{}{"seed_behavior": float64(-1)},
		},
	}
	if resolved := ResolveSentinelSeeds(g); len(resolved) != 0 {
		t.Errorf("resolved = %v, want none", resolved)
	}
}

func TestFindSeedFields(t *testing.T) {
	g := Graph{
		"1": map[string]interface{}{
			"inputs": map[string]interface{}{
				"seed":       float64(1),
				"noise_seed": float64(2),
				"steps":      float64(20),
			},
		},
		"2": map[string]interface{}{
			"inputs": map[string]interface{}{"rand_seed": float64(3)},
		},
	}

	fields := FindSeedFields(g)
	if len(fields) != 3 {
		t.Fatalf("found %d seed fields, want 3: %v", len(fields), fields)
	}
}

func TestRandomSeedRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		seed := RandomSeed(VariationSeedMax)
		if seed < 1 || seed >= VariationSeedMax {
			t.Fatalf("seed = %d, out of [1, %d)", seed, VariationSeedMax)
		}
	}
}

func TestDetectNodes(t *testing.T) {
	inputs, outputs, err := DetectNodes(sampleWorkflow())
	if err != nil {
		t.Fatalf("DetectNodes: %v", err)
	}

	if len(inputs) != 3 {
		t.Errorf("detected %d inputs, want 3", len(inputs))
	}
	if len(outputs) != 1 {
		t.Fatalf("detected %d outputs, want 1", len(outputs))
	}
	if outputs[0].NodeID != "9" || outputs[0].Description != "SaveImage" {
		t.Errorf("output = %+v", outputs[0])
	}
}
