package models

type PanelStatus string

const (
	PanelPending    PanelStatus = "pending"
	PanelGenerating PanelStatus = "generating"
	PanelCompleted  PanelStatus = "completed"
	PanelError      PanelStatus = "error"
)

// SubPanel 精修阶段的单个分镜面板，Index 是其稳定身份，不会被重新编号
type SubPanel struct {
	Index    int         `json:"index"`
	ImageURL string      `json:"imageUrl,omitempty"`
	Status   PanelStatus `json:"status"`
}

// NewSubPanels allocates n slots with Index == position.
func NewSubPanels(n int, status PanelStatus) []SubPanel {
	if n < 0 {
		n = 0
	}
	panels := make([]SubPanel, n)
	for i := range panels {
		panels[i] = SubPanel{Index: i, Status: status}
	}
	return panels
}

// PanelByIndex returns the slot addressed by index, or nil.
func (p *Project) PanelByIndex(index int) *SubPanel {
	if index >= 0 && index < len(p.SubPanels) && p.SubPanels[index].Index == index {
		return &p.SubPanels[index]
	}
	for i := range p.SubPanels {
		if p.SubPanels[i].Index == index {
			return &p.SubPanels[i]
		}
	}
	return nil
}

// SetPanel updates the slot for index in place. It reports false for unknown indices.
func (p *Project) SetPanel(index int, status PanelStatus, imageURL string) bool {
	sp := p.PanelByIndex(index)
	if sp == nil {
		return false
	}
	sp.Status = status
	sp.ImageURL = imageURL
	return true
}

// CompletedPanels returns completed panels ordered by index.
func (p *Project) CompletedPanels() []SubPanel {
	var out []SubPanel
	for i := 0; i < len(p.SubPanels); i++ {
		if sp := p.PanelByIndex(i); sp != nil && sp.Status == PanelCompleted && sp.ImageURL != "" {
			out = append(out, *sp)
		}
	}
	return out
}

// CountPanels returns how many panels are in status.
func (p *Project) CountPanels(status PanelStatus) int {
	n := 0
	for _, sp := range p.SubPanels {
		if sp.Status == status {
			n++
		}
	}
	return n
}
