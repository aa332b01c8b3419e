// Package summarize runs a two-stage summary generation over a transcribed
// episode: an unstructured narrative pass, then a validated structured
// extraction, persisting the result.
package summarize

import (
	"github.com/go-playground/validator/v10"
)

// Takeaway is a single key insight extracted from an episode.
type Takeaway struct {
	Concept     string `json:"concept" validate:"required"`
	Explanation string `json:"explanation" validate:"required"`
}

// Concept is a term or mental model surfaced in the episode.
type Concept struct {
	Term       string `json:"term" validate:"required"`
	Definition string `json:"definition" validate:"required"`
}

// Summary is the structured artifact stage 2 produces: non-empty hook,
// 3-5 takeaways, at least 3 advice items, 2-5 quotes, narrative at least
// 200 characters long.
type Summary struct {
	Hook             string     `json:"hook" validate:"required"`
	KeyTakeaways     []Takeaway `json:"key_takeaways" validate:"required,min=3,max=5,dive"`
	ActionableAdvice []string   `json:"actionable_advice" validate:"required,min=3,dive,required"`
	Quotes           []string   `json:"quotes" validate:"required,min=2,max=5,dive,required"`
	Concepts         []Concept  `json:"concepts" validate:"dive"`
	Perspectives     string     `json:"perspectives" validate:"required"`
	Narrative        string     `json:"summary" validate:"required,min=200"`
	KeyTopics        []string   `json:"key_topics" validate:"required,min=3,dive,required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks s against its structural constraints, returning the
// validator's error unmodified so callers can format or feed it back into a
// retry prompt.
func (s Summary) Validate() error {
	return validate.Struct(s)
}
