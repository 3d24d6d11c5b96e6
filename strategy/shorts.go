package strategy

import "fmt"

// shorts 短视频平台：高对比度、大字标题
type shorts struct{}

func (shorts) Name() string { return "shorts" }

func (shorts) AnalysisPrompt(c Context) string {
	return fmt.Sprintf("Summarise the %d frames of this short video into narrative beats for a comic. %s",
		c.FrameCount, analysisSchemaHint)
}

func (shorts) BaseImagePrompt(c Context) string {
	return fmt.Sprintf("Turn the frames into a bold comic strip (aspect %s), thick outlines, high contrast, "+
		"one panel per beat:\n%s", c.AspectRatio, stepsBlock(c.Descriptions))
}

func (shorts) CharacterPrompt(c Context) string {
	return "Swap the main character of the comic for the character in the second image; keep panels intact."
}

func (shorts) PanelPrompt(c Context, index int) string {
	desc := ""
	if index < len(c.Descriptions) {
		desc = c.Descriptions[index]
	}
	return fmt.Sprintf("Redraw beat %d/%d as a full comic frame (aspect %s): %s", index+1, c.PanelCount, c.AspectRatio, desc)
}

func (shorts) CaptionPrompt(c Context) string {
	return fmt.Sprintf("Write short-video captions for %q: punchy hook title, two-line body, hashtags.\n%s%s",
		c.Title, stepsBlock(c.Descriptions), captionSchemaHint)
}

func (shorts) CoverPrompt(c Context, title, content string) string {
	return fmt.Sprintf("Design a thumbnail (aspect %s) with the headline %q in huge letters. %s", c.AspectRatio, title, content)
}
