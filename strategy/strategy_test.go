package strategy

import (
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"rednote", " RedNote ", "shorts"} {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("Lookup(%q) failed", name)
		}
	}
	if _, ok := Lookup("myspace"); ok {
		t.Fatal("unexpected strategy")
	}
	if got := strings.Join(Names(), ","); got != "rednote,shorts" {
		t.Fatalf("Names() = %s", got)
	}
}

func TestPromptsCarryContext(t *testing.T) {
	s, _ := Lookup("rednote")
	c := Context{Title: "Dumplings", Descriptions: []string{"fold", "", "steam"}, AspectRatio: "9:16", PanelCount: 3, Watermark: "@me"}
	if p := s.BaseImagePrompt(c); !strings.Contains(p, "1. fold") || !strings.Contains(p, "3. steam") || strings.Contains(p, "2. \n") {
		t.Fatalf("base prompt: %s", p)
	}
	if p := s.PanelPrompt(c, 2); !strings.Contains(p, "panel 3 of 3") || !strings.Contains(p, "steam") {
		t.Fatalf("panel prompt: %s", p)
	}
	if p := s.PanelPrompt(c, 7); !strings.Contains(p, "panel 8") {
		t.Fatalf("panel prompt past descriptions: %s", p)
	}
	if p := s.CoverPrompt(c, "Easy dumplings", "body"); !strings.Contains(p, "@me") {
		t.Fatalf("cover prompt missing watermark: %s", p)
	}
}
