package model

// Overlay is a named evaluation rubric: document-type context plus an ordered
// set of criteria. Overlays are read once at the start of a run and treated
// as immutable for its duration.
type Overlay struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	DocumentType   string      `json:"document_type" yaml:"document_type"`
	Purpose        string      `json:"purpose,omitempty" yaml:"purpose"`
	WhenUsed       string      `json:"when_used,omitempty" yaml:"when_used"`
	ProcessContext string      `json:"process_context,omitempty" yaml:"process_context"`
	Audience       string      `json:"audience,omitempty" yaml:"audience"`
	Criteria       []Criterion `json:"criteria,omitempty" yaml:"criteria"`
}

// Criterion is one scored dimension of an overlay. Weight is the relative
// importance on an organization-defined scale; MaxScore is the per-criterion
// ceiling, independent of weight.
type Criterion struct {
	ID          string  `json:"id" yaml:"id"`
	OverlayID   string  `json:"overlay_id" yaml:"-"`
	Name        string  `json:"name" yaml:"name"`
	Category    string  `json:"category" yaml:"category"`
	Description string  `json:"description" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight"`
	MaxScore    float64 `json:"max_score" yaml:"max_score"`
	Position    int     `json:"position" yaml:"-"`
}

// CriterionByName builds an exact-name lookup over the overlay's criteria.
// Scoring uses it to map provider-returned names back to internal ids.
func (o *Overlay) CriterionByName() map[string]Criterion {
	m := make(map[string]Criterion, len(o.Criteria))
	for _, c := range o.Criteria {
		m[c.Name] = c
	}
	return m
}
