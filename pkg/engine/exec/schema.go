package exec

import (
	"fmt"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// validateOutputSchema performs the structural check spec 4.7 step 6 asks
// for. Full JSON Schema validation of user-authored workflow files is out
// of scope (spec 1); this only checks that every property the schema
// declares "required" is present in output, since that's the check a
// recovery wrapper or a dependent step actually needs to trust.
func validateOutputSchema(stepID string, output any, schema map[string]any) error {
	required, _ := schema["required"].([]any)
	if len(required) == 0 {
		return nil
	}
	obj, ok := output.(map[string]any)
	if !ok {
		return &engerrors.SchemaError{StepID: stepID, Message: "output is not an object but schema requires fields"}
	}
	for _, r := range required {
		key := fmt.Sprintf("%v", r)
		if _, present := obj[key]; !present {
			return &engerrors.SchemaError{StepID: stepID, Field: key, Message: "required output field missing"}
		}
	}
	return nil
}
