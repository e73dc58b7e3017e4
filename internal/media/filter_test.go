package media

import (
	"strings"
	"testing"

	"github.com/audiopipe/audiopipe/internal/recipe"
)

func TestInputArgs_DeduplicatesSources(t *testing.T) {
	r := recipe.Recipe{Clips: []recipe.Clip{
		{AssetID: "a", Start: 0, End: 1, Volume: 1},
		{AssetID: "b", Start: 0, End: 1, Volume: 1},
		{AssetID: "a", Start: 1, End: 2, Volume: 1},
	}}
	paths := map[string]string{"a": "/tmp/a.wav", "b": "/tmp/b.wav"}

	inputs, index := InputArgs(r, paths)
	if len(inputs) != 2 {
		t.Fatalf("inputs = %v, want 2 entries", inputs)
	}
	if inputs[0] != "/tmp/a.wav" || inputs[1] != "/tmp/b.wav" {
		t.Errorf("inputs = %v, want [/tmp/a.wav /tmp/b.wav]", inputs)
	}
	if index["a"] != 0 || index["b"] != 1 {
		t.Errorf("index = %v, want a:0 b:1", index)
	}
}

func TestBuildFilterGraph_Chains(t *testing.T) {
	clips := []recipe.Clip{
		{AssetID: "a", Start: 1.5, End: 4, Volume: 0.8, FadeIn: 0.5, FadeOut: 1},
		{AssetID: "b", Start: 0, End: 2, Volume: 1},
	}
	index := map[string]int{"a": 0, "b": 1}

	g := BuildFilterGraph(clips, index, GraphOpts{SampleRate: 44100})

	for _, want := range []string{
		"[0:a]atrim=start=1.5:end=4,asetpts=PTS-STARTPTS,volume=0.8,afade=t=in:st=0:d=0.5,afade=t=out:st=1.5:d=1[c0];",
		"[1:a]atrim=start=0:end=2,asetpts=PTS-STARTPTS[c1];",
		"[c0][c1]concat=n=2:v=0:a=1[cat];",
		"[cat]aresample=44100[out]",
	} {
		if !strings.Contains(g, want) {
			t.Errorf("graph missing %q\ngraph: %s", want, g)
		}
	}

	// Unit volume emits no volume filter.
	if strings.Contains(g, "volume=1") {
		t.Errorf("graph contains redundant unit volume: %s", g)
	}
}

func TestBuildFilterGraph_LoudnormOnlyWhenRequested(t *testing.T) {
	clips := []recipe.Clip{{AssetID: "a", Start: 0, End: 2, Volume: 1}}
	index := map[string]int{"a": 0}

	plain := BuildFilterGraph(clips, index, GraphOpts{SampleRate: 48000})
	if strings.Contains(plain, "loudnorm") {
		t.Errorf("loudnorm present without request: %s", plain)
	}

	norm := BuildFilterGraph(clips, index, GraphOpts{Loudnorm: true, SampleRate: 48000})
	if !strings.Contains(norm, "[cat]loudnorm=I=-16:TP=-1.5:LRA=11[ln];[ln]aresample=48000[out]") {
		t.Errorf("loudnorm not appended before resample: %s", norm)
	}
}
