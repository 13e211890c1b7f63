package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Classification prompts are plain-text templates with a closed variable set:
// {sender} {subject} {body_preview} {output_labels} {has_attachments} {labels}.
const (
	systemPromptFile = "classification_system.md"
	userPromptFile   = "classification_user.md"
)

// Prompts holds the loaded classification templates.
type Prompts struct {
	System       string
	UserTemplate string
}

// LoadPrompts reads both templates from dir. A missing file is a fatal
// configuration error.
func LoadPrompts(dir string) (*Prompts, error) {
	systemPath := filepath.Join(dir, systemPromptFile)
	userPath := filepath.Join(dir, userPromptFile)

	system, err := os.ReadFile(systemPath)
	if err != nil {
		return nil, fmt.Errorf("classification system prompt not found: %s (set PROMPTS_DIR): %w", systemPath, err)
	}
	user, err := os.ReadFile(userPath)
	if err != nil {
		return nil, fmt.Errorf("classification user template not found: %s (set PROMPTS_DIR): %w", userPath, err)
	}

	userTemplate := string(user)
	if userTemplate != "" && !strings.HasSuffix(userTemplate, "\n") {
		userTemplate += "\n"
	}
	return &Prompts{
		System:       strings.TrimSpace(string(system)),
		UserTemplate: userTemplate,
	}, nil
}

// templateVars is the closed variable set rendered into both templates.
type templateVars struct {
	Sender         string
	Subject        string
	BodyPreview    string
	OutputLabels   string
	HasAttachments bool
	Labels         []string
}

func renderTemplate(template string, v templateVars) string {
	hasAttachments := "no"
	if v.HasAttachments {
		hasAttachments = "yes"
	}
	labels := "none"
	if len(v.Labels) > 0 {
		labels = strings.Join(v.Labels, ", ")
	}
	return strings.NewReplacer(
		"{sender}", v.Sender,
		"{subject}", v.Subject,
		"{body_preview}", v.BodyPreview,
		"{output_labels}", v.OutputLabels,
		"{has_attachments}", hasAttachments,
		"{labels}", labels,
	).Replace(template)
}
