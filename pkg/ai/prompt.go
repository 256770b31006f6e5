package ai

import (
	"strings"
	"unicode/utf8"
)

const truncationMarker = " […] (texte tronqué)"

// PromptOptions tunes prompt rendering.
type PromptOptions struct {
	// MaxInputRunes caps each embedded text. Zero disables the cap.
	MaxInputRunes int
}

// BuildPrompt renders the evaluation request for a student answer and the reference correction.
// The output depends only on its inputs.
func BuildPrompt(studentText, referenceText string, opts PromptOptions) Prompt {
	student, studentCut := capRunes(studentText, opts.MaxInputRunes)
	reference, referenceCut := capRunes(referenceText, opts.MaxInputRunes)
	if strings.TrimSpace(reference) == "" {
		reference = "(aucune correction de référence fournie)"
	}

	builder := strings.Builder{}
	builder.WriteString("Évalue cette réponse d’étudiant : \"")
	builder.WriteString(student)
	builder.WriteString("\" par rapport à la correction : \"")
	builder.WriteString(reference)
	builder.WriteString("\".\n")
	builder.WriteString("Fournis une note entière sur 20 et un feedback détaillé en français uniquement, ")
	builder.WriteString("au format suivant :\n")
	builder.WriteString("Note : X/20\n")
	builder.WriteString("Feedback : [détails en français]")

	return Prompt{
		Text:      builder.String(),
		Truncated: studentCut || referenceCut,
	}
}

func capRunes(text string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text, false
	}

	runes := []rune(text)
	return string(runes[:limit]) + truncationMarker, true
}
