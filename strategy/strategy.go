// Package strategy holds the per-platform prompt templates.
package strategy

import (
	"fmt"
	"sort"
	"strings"
)

// Context is what a strategy may use to specialise its prompts.
type Context struct {
	Title        string
	SourceText   string
	Descriptions []string
	FrameCount   int
	PanelCount   int
	AspectRatio  string
	Watermark    string
}

// Strategy 平台策略：只产出提示词文本，不持有状态
type Strategy interface {
	Name() string
	AnalysisPrompt(c Context) string
	BaseImagePrompt(c Context) string
	CharacterPrompt(c Context) string
	PanelPrompt(c Context, index int) string
	CaptionPrompt(c Context) string
	CoverPrompt(c Context, title, content string) string
}

var registry = map[string]Strategy{}

func register(s Strategy) { registry[s.Name()] = s }

// Lookup returns the strategy registered under name.
func Lookup(name string) (Strategy, bool) {
	s, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Names lists registered strategies, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	register(rednote{})
	register(shorts{})
}

func stepsBlock(descs []string) string {
	var b strings.Builder
	for i, d := range descs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, d)
	}
	return b.String()
}

const analysisSchemaHint = `Return JSON only: {"steps":[{"indices":[0,1],"description":"..."}]}. ` +
	`"indices" are zero-based frame positions; every frame must appear in exactly one step; ` +
	`contiguous frames showing the same action share one step.`

const captionSchemaHint = `Return JSON only: {"captions":[{"title":"...","content":"...","tags":["..."]}]} with 3 options.`
