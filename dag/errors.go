package dag

import "fmt"

// ParseError is a structured DAG validation failure naming the offending
// block/port/gate, with an optional "did you mean" suggestion already
// folded into Message (spec §4.1).
type ParseError struct {
	Block   string
	Port    string
	Gate    string
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func errBlock(block, format string, args ...interface{}) *ParseError {
	return &ParseError{Block: block, Message: fmt.Sprintf(format, args...)}
}

func errPort(block, port, format string, args ...interface{}) *ParseError {
	return &ParseError{Block: block, Port: port, Message: fmt.Sprintf(format, args...)}
}

func errGate(block, gateName, format string, args ...interface{}) *ParseError {
	return &ParseError{Block: block, Gate: gateName, Message: fmt.Sprintf(format, args...)}
}
