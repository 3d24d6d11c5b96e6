package strategy

import "fmt"

// rednote 小红书风格：手绘教程、竖版、emoji 标题
type rednote struct{}

func (rednote) Name() string { return "rednote" }

func (rednote) AnalysisPrompt(c Context) string {
	return fmt.Sprintf("You are given %d key frames from a short tutorial video titled %q. "+
		"Describe each step in one short sentence suitable for a hand-drawn step-by-step note. %s",
		c.FrameCount, c.Title, analysisSchemaHint)
}

func (rednote) BaseImagePrompt(c Context) string {
	return fmt.Sprintf("Redraw these frames as one cute hand-drawn storyboard (aspect %s), "+
		"numbered panels, pastel colours, white background, one panel per step:\n%s",
		c.AspectRatio, stepsBlock(c.Descriptions))
}

func (rednote) CharacterPrompt(c Context) string {
	return "Replace the hands or person in the storyboard with the character from the second image, " +
		"keeping every panel, layout and colour unchanged."
}

func (rednote) PanelPrompt(c Context, index int) string {
	desc := ""
	if index < len(c.Descriptions) {
		desc = c.Descriptions[index]
	}
	return fmt.Sprintf("Draw panel %d of %d from the storyboard as a standalone hand-drawn illustration "+
		"(aspect %s). Step: %s", index+1, c.PanelCount, c.AspectRatio, desc)
}

func (rednote) CaptionPrompt(c Context) string {
	return fmt.Sprintf("Write RedNote (Xiaohongshu) post captions for this illustrated tutorial %q. "+
		"Catchy title with emoji, friendly first-person body, 5-8 hashtags.\nSteps:\n%s%s",
		c.Title, stepsBlock(c.Descriptions), captionSchemaHint)
}

func (rednote) CoverPrompt(c Context, title, content string) string {
	wm := ""
	if c.Watermark != "" {
		wm = fmt.Sprintf(" Add a small watermark %q in a corner.", c.Watermark)
	}
	return fmt.Sprintf("Create a RedNote cover (aspect %s) with a big hand-lettered title %q, "+
		"using the first frames as the start and the last frames as the result.%s Context: %s",
		c.AspectRatio, title, wm, content)
}
