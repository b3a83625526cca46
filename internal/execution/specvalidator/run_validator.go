package specvalidator

import (
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// ValidateRunRequest checks a start request against the pipeline it targets.
// Undeclared params are allowed; declared checkbox params must be true or false.
func ValidateRunRequest(p domain.Pipeline, targets []string, params map[string]string) error {
	issues := &ValidationError{}

	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			issues.Add("targets contains an empty stage id")
			continue
		}
		if _, ok := p.Stage(target); !ok {
			issues.Add(fmt.Sprintf("target %q not found", target))
		}
	}

	for key := range params {
		if strings.TrimSpace(key) == "" {
			issues.Add("params contains an empty name")
		}
	}
	for _, param := range p.Params {
		if param.Kind != domain.ParamKindCheckbox {
			continue
		}
		value, ok := params[param.Name]
		if !ok {
			continue
		}
		if !isCheckboxValue(value) {
			issues.Add(fmt.Sprintf("param %q must be true or false", param.Name))
		}
	}
	return issues.OrNil()
}
