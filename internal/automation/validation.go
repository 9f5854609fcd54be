package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxTitleLength     = 200
	maxSlugLength      = 100
	maxSteps           = 20
	maxChainSteps      = 20
	maxTemplateLength  = 20000
	maxEventNameLength = 100
	maxDelaySeconds    = 7 * 24 * 60 * 60
	maxStepTokens      = 32000
	maxDescriptionLen  = 1000
	defaultCategory    = "general"
	defaultAIModel     = "gemini"
	slugPattern        = `^[a-z0-9]+(?:-[a-z0-9]+)*$`
	eventNamePattern   = `^[A-Za-z0-9][A-Za-z0-9_.:-]*$`
)

var (
	slugRegex      = regexp.MustCompile(slugPattern)
	eventNameRegex = regexp.MustCompile(eventNamePattern)
)

// ValidatePack checks a pack and its steps. Returns an error describing
// the first validation failure found.
func ValidatePack(p *Pack) error {
	if p == nil {
		return ErrInvalidPack
	}

	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidPack)
	}
	if len(p.Title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidPack, maxTitleLength)
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return err
	}
	if len(p.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidPack, maxDescriptionLen)
	}
	if len(p.Steps) > maxSteps {
		return fmt.Errorf("%w: exceeds maximum of %d steps", ErrInvalidPack, maxSteps)
	}

	seen := make(map[int]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if err := ValidateStep(s); err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
		if _, dup := seen[s.StepOrder]; dup {
			return fmt.Errorf("step[%d]: %w: duplicate step_order %d", i, ErrInvalidPack, s.StepOrder)
		}
		seen[s.StepOrder] = struct{}{}
	}
	return nil
}

// ValidateStep checks a single pack step.
func ValidateStep(s PackStep) error {
	if s.StepOrder < 1 {
		return fmt.Errorf("%w: step_order must be positive", ErrInvalidPack)
	}
	if strings.TrimSpace(s.PromptTemplate) == "" {
		return fmt.Errorf("%w: prompt_template is required", ErrInvalidPack)
	}
	if len(s.PromptTemplate) > maxTemplateLength {
		return fmt.Errorf("%w: prompt_template exceeds %d characters", ErrInvalidPack, maxTemplateLength)
	}
	if s.OutputFormat != FormatText && s.OutputFormat != FormatJSON {
		return fmt.Errorf("%w: invalid output_format %q", ErrInvalidPack, s.OutputFormat)
	}
	if s.MaxTokens != nil && (*s.MaxTokens < 1 || *s.MaxTokens > maxStepTokens) {
		return fmt.Errorf("%w: max_tokens must be 1-%d", ErrInvalidPack, maxStepTokens)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be 0-2", ErrInvalidPack)
	}
	return nil
}

// ValidateTrigger checks a trigger definition, including its condition rules.
func ValidateTrigger(t *Trigger) error {
	if t == nil {
		return ErrInvalidTrigger
	}
	if err := ValidateEventName(t.EventName); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	if t.PackID == "" {
		return fmt.Errorf("%w: pack_id is required", ErrInvalidTrigger)
	}
	if t.ExecutionMode != ModeSync && t.ExecutionMode != ModeAsync {
		return fmt.Errorf("%w: invalid execution_mode %q", ErrInvalidTrigger, t.ExecutionMode)
	}
	if err := ValidateConditions(t.ConditionRules); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	return nil
}

// ValidateChain checks a chain definition. Every step must name a pack.
func ValidateChain(c *Chain) error {
	if c == nil {
		return ErrInvalidChain
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidChain)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidChain)
	}
	if len(c.Steps) > maxChainSteps {
		return fmt.Errorf("%w: exceeds maximum of %d steps", ErrInvalidChain, maxChainSteps)
	}
	for i, s := range c.Steps {
		if s.PackID == "" && s.PackSlug == "" {
			return fmt.Errorf("%w: step[%d] needs pack_id or pack_slug", ErrInvalidChain, i)
		}
		if s.DelaySeconds < 0 || s.DelaySeconds > maxDelaySeconds {
			return fmt.Errorf("%w: step[%d] delay_seconds must be 0-%d", ErrInvalidChain, i, maxDelaySeconds)
		}
	}
	return nil
}

// ValidateEventName checks that an event name is a single token of
// letters, digits and the separators _ . : -
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: event_name cannot be empty", ErrInvalidEvent)
	}
	if len(name) > maxEventNameLength {
		return fmt.Errorf("%w: event_name exceeds %d characters", ErrInvalidEvent, maxEventNameLength)
	}
	if !eventNameRegex.MatchString(name) {
		return fmt.Errorf("%w: event_name %q contains invalid characters", ErrInvalidEvent, name)
	}
	return nil
}

// ValidateSlug checks if a slug format is valid.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidPack)
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("%w: slug exceeds %d characters", ErrInvalidPack, maxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: slug must be lowercase alphanumeric with hyphens", ErrInvalidPack)
	}
	return nil
}

// GenerateSlug creates a URL-safe slug from a title.
// It lowercases, replaces spaces/underscores with hyphens, removes
// non-alphanumeric characters, and trims to maxSlugLength.
func GenerateSlug(title string) string {
	slug := strings.ToLower(title)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		slug = strings.TrimRight(slug, "-")
	}

	return slug
}

// GenerateID creates a new UUID for any engine record.
func GenerateID() string {
	return uuid.New().String()
}
