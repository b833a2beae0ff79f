package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jkaninda/omni/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks an automation and the typed config of each of its actions.
// Errors wrap ErrInvalidAutomation.
func Validate(a *domain.Automation) error {
	if a == nil {
		return fmt.Errorf("%w: automation is nil", ErrInvalidAutomation)
	}
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAutomation, describeValidation(err))
	}

	for i, c := range a.TriggerConditions {
		if c.Operator != domain.OpRegex {
			continue
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("%w: condition %d: regex value must be a string", ErrInvalidAutomation, i)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: condition %d: invalid regex: %v", ErrInvalidAutomation, i, err)
		}
	}

	for i, action := range a.Actions {
		if err := validateAction(action); err != nil {
			return fmt.Errorf("%w: action %d (%s): %v", ErrInvalidAutomation, i, action.Type, err)
		}
	}
	return nil
}

func validateAction(action domain.Action) error {
	var cfg any
	switch action.Type {
	case domain.ActionWebhook:
		cfg = &webhookConfig{}
	case domain.ActionSendMessage:
		cfg = &sendMessageConfig{}
	case domain.ActionEmitEvent:
		cfg = &emitEventConfig{}
	case domain.ActionLog:
		cfg = &logConfig{}
	case domain.ActionCallAgent:
		cfg = &callAgentConfig{}
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	if err := decodeConfig(action.Config, cfg); err != nil {
		return err
	}
	if err := validate.Struct(cfg); err != nil {
		return errors.New(describeValidation(err))
	}
	return nil
}

// describeValidation flattens validator field errors into one line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
