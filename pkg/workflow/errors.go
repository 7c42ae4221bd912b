package workflow

import "fmt"

// ErrorKind identifies which structural rule a submitted graph broke.
type ErrorKind string

const (
	KindMalformed          ErrorKind = "Malformed"
	KindUnknownReference   ErrorKind = "UnknownReference"
	KindDuplicateNodeID    ErrorKind = "DuplicateNodeId"
	KindMissingNodeAt      ErrorKind = "MissingNodeAt"
	KindTooManyOutputs     ErrorKind = "TooManyOutputs"
	KindRecursiveIO        ErrorKind = "RecursiveIO"
	KindTooManyFunctions   ErrorKind = "TooManyFunctions"
	KindFunctionNotCode    ErrorKind = "FunctionNotCode"
	KindLoopBodyMismatch   ErrorKind = "LoopBodyMismatch"
	KindLoopBodyCycle      ErrorKind = "LoopBodyCycle"
	KindMultipleRecipients ErrorKind = "MultipleRecipients"
)

// ParseError reports a graph that failed structural validation. Kind is the
// stable machine-readable classification; Detail names the offending entity.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid workflow (%s): %s", e.Kind, e.Detail)
}

func parseErrf(kind ErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
