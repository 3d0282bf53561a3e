package comfy

import "testing"

func TestExtractOutputsDeterministicOrder(t *testing.T) {
	outputs := map[string]NodeOutput{
		"12": {Images: []rawOutput{{Filename: "late.png", Kind: "output"}}},
		"9":  {Images: []rawOutput{{Filename: "first.png", Subfolder: "img", Kind: "output"}}},
	}

	items := ExtractOutputs(outputs)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	// "12" sorts before "9" lexicographically.
	if items[0].Filename != "late.png" || items[1].Filename != "first.png" {
		t.Errorf("order = %v", items)
	}
}

func TestExtractOutputsSkipsEmptyAndDefaultsKind(t *testing.T) {
	outputs := map[string]NodeOutput{
		"9": {
			Images: []rawOutput{{Filename: ""}, {Filename: "a.png"}},
			Videos: []rawOutput{{Filename: "b.mp4", Kind: "temp"}},
		},
	}

	items := ExtractOutputs(outputs)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Kind != "output" {
		t.Errorf("default kind = %q, want output", items[0].Kind)
	}
	if items[1].Kind != "temp" {
		t.Errorf("kind = %q, want temp", items[1].Kind)
	}
}

func TestOutputItemRef(t *testing.T) {
	with := OutputItem{Filename: "a.png", Subfolder: "out"}
	if got := with.Ref(); got != "out/a.png" {
		t.Errorf("Ref() = %q", got)
	}
	without := OutputItem{Filename: "a.png"}
	if got := without.Ref(); got != "a.png" {
		t.Errorf("Ref() = %q", got)
	}
}

func TestInferOutputType(t *testing.T) {
	cases := map[string]string{
		"a.png":      "image/png",
		"A.PNG":      "image/png",
		"b.jpg":      "image/jpeg",
		"b.jpeg":     "image/jpeg",
		"c.webp":     "image/webp",
		"d.mp4":      "video/mp4",
		"e.wav":      "audio/wav",
		"f.gif":      "image/gif",
		"g.blend":    "application/octet-stream",
		"noext":      "application/octet-stream",
	}
	for filename, want := range cases {
		if got := InferOutputType(filename); got != want {
			t.Errorf("InferOutputType(%q) = %q, want %q", filename, got, want)
		}
	}
}
