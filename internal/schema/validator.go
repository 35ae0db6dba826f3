package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidAction is returned when a success-status action cannot be routed.
var ErrInvalidAction = errors.New("invalid action")

// requiredFields lists the payload fields each kind needs to be executable.
var requiredFields = map[Kind][]string{
	KindDeleteFile:  {FieldSID, FieldFilePath},
	KindKillProcess: {FieldSID, FieldProcessID},
	KindUploadLog:   {FieldFilePath, FieldFormat},
	KindRunReport:   {FieldFilePath, FieldReportName},
}

// targetOf is the tool each kind is executed against.
var targetOf = map[Kind]Tool{
	KindDeleteFile:  ToolEDR,
	KindKillProcess: ToolEDR,
	KindUploadLog:   ToolSIEM,
	KindRunReport:   ToolSIEM,
}

// Validator checks actions and outcomes against their struct rules plus the
// routing rules struct tags cannot express.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("action_kind", func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// ValidateAction validates a normalized action. Fail markers only need a
// source tool; success actions must be routable and carry their payload.
func (v *Validator) ValidateAction(a *NormalizedAction) error {
	if err := v.validate.Struct(a); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if a.Failed() {
		return nil
	}

	if !a.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}

	if want := targetOf[a.Kind]; a.Target != want {
		return fmt.Errorf("%w: %s must target %s, got %q", ErrInvalidAction, a.Kind, want, a.Target)
	}

	for _, name := range requiredFields[a.Kind] {
		if a.Fields[name] == "" {
			return fmt.Errorf("%w: %s requires field %s", ErrInvalidAction, a.Kind, name)
		}
	}

	return nil
}

// ValidateOutcome validates an outcome before it is handed to sinks.
func (v *Validator) ValidateOutcome(o *Outcome) error {
	if err := v.validate.Struct(o); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// TargetFor returns the tool that executes kind.
func TargetFor(kind Kind) (Tool, bool) {
	t, ok := targetOf[kind]
	return t, ok
}
