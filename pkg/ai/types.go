package ai

import (
	"context"
	"errors"
)

// ErrCompletionFailed wraps every transport, status or envelope failure of a completion provider.
var ErrCompletionFailed = errors.New("completion request failed")

// Completer sends a rendered prompt to a text-completion service and returns the raw reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Provider() string
	Model() string
}

// Outcome is the structured result extracted from a free-text grading reply.
type Outcome struct {
	Grade           int    `json:"grade"`
	Feedback        string `json:"feedback"`
	GradeMatched    bool   `json:"grade_matched"`
	FeedbackMatched bool   `json:"feedback_matched"`
}

// Prompt is a rendered evaluation request.
type Prompt struct {
	Text      string
	Truncated bool
}
