package ai

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxGrade is the upper bound of the grading scale requested from the model.
	MaxGrade = 20
	// FallbackGrade is stored when no score line can be found in the reply.
	FallbackGrade = 0
	// FallbackFeedback is stored when no feedback section can be found in the reply.
	FallbackFeedback = "Aucun feedback fourni"
)

var (
	// "Note : 18/20", "**Note :** 18 / 20", "Score: 15,5/20"
	gradePattern = regexp.MustCompile(`(?i)(?:note|score|grade)\s*\**\s*:\s*\**\s*(\d+)(?:[.,]\d+)?\s*/\s*20\b`)
	// everything after the first "Feedback :" label
	feedbackPattern = regexp.MustCompile(`(?is)feedback\s*\**\s*:\s*\**\s*(.+)`)
	// a score line that follows the feedback ends it
	trailingScorePattern = regexp.MustCompile(`(?im)^[ \t*]*(?:note|score|grade)\s*\**\s*:\s*\**\s*\d+(?:[.,]\d+)?\s*/\s*20\b`)
)

// ParseOutcome extracts the grade and feedback from a raw completion reply.
//
// It never fails: a reply without a score line yields FallbackGrade and a reply
// without a feedback section yields FallbackFeedback. The matched grade is
// returned as written, bounds are left to the caller.
func ParseOutcome(reply string) Outcome {
	outcome := Outcome{
		Grade:    FallbackGrade,
		Feedback: FallbackFeedback,
	}

	if match := gradePattern.FindStringSubmatch(reply); match != nil {
		if grade, err := strconv.Atoi(match[1]); err == nil {
			outcome.Grade = grade
			outcome.GradeMatched = true
		}
	}

	if match := feedbackPattern.FindStringSubmatch(reply); match != nil {
		feedback := match[1]
		if nl := strings.IndexByte(feedback, '\n'); nl >= 0 {
			if loc := trailingScorePattern.FindStringIndex(feedback[nl:]); loc != nil {
				feedback = feedback[:nl+loc[0]]
			}
		}
		feedback = strings.TrimSpace(strings.Trim(strings.TrimSpace(feedback), "*"))
		if feedback != "" {
			outcome.Feedback = feedback
			outcome.FeedbackMatched = true
		}
	}

	return outcome
}

// InRange reports whether grade lies on the 0..MaxGrade scale.
func InRange(grade int) bool {
	return grade >= 0 && grade <= MaxGrade
}
