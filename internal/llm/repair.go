package llm

import "fmt"

// MaxRepairAttempts bounds the repair protocol. Output still invalid after
// this many resubmissions is fatal for the unit (ErrMalformed).
const MaxRepairAttempts = 2

// RepairPrompt builds the resubmission prompt for output that failed parsing
// or schema validation. It is a pure function of (schema, error, prior
// output, attempt), deliberately separate from transport retry so telemetry
// can tell provider outages apart from schema drift.
func RepairPrompt(schema string, validationErr error, priorOutput string, attempt int) string {
	return fmt.Sprintf(
		"Your previous response was rejected (attempt %d): %v\n\n"+
			"Return ONLY a valid JSON object matching this schema. "+
			"No markdown fences, no commentary, no preamble.\n\n"+
			"Required schema:\n%s\n\n"+
			"Previous invalid output:\n%s",
		attempt, validationErr, schema, priorOutput,
	)
}
