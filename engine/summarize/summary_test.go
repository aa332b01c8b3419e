package summarize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummaryValidateAcceptsWellFormedSummary(t *testing.T) {
	assert.NoError(t, validSummary().Validate())
}

func TestSummaryValidateRejectsEmptyHook(t *testing.T) {
	s := validSummary()
	s.Hook = ""
	assert.Error(t, s.Validate())
}

func TestSummaryValidateRejectsTooFewTakeaways(t *testing.T) {
	s := validSummary()
	s.KeyTakeaways = s.KeyTakeaways[:2]
	assert.Error(t, s.Validate())
}

func TestSummaryValidateRejectsTooFewAdviceItems(t *testing.T) {
	s := validSummary()
	s.ActionableAdvice = s.ActionableAdvice[:2]
	assert.Error(t, s.Validate())
}

func TestSummaryValidateRejectsOutOfRangeQuoteCount(t *testing.T) {
	s := validSummary()
	s.Quotes = []string{"only one"}
	assert.Error(t, s.Validate())
}

func TestSummaryValidateRejectsShortNarrative(t *testing.T) {
	s := validSummary()
	s.Narrative = "too short"
	assert.Error(t, s.Validate())
}

func TestSummaryValidateAcceptsEmptyConcepts(t *testing.T) {
	s := validSummary()
	s.Concepts = nil
	assert.NoError(t, s.Validate())
}

func TestSummaryValidateLongNarrativePasses(t *testing.T) {
	s := validSummary()
	s.Narrative = strings.Repeat("a", 250)
	assert.NoError(t, s.Validate())
}
