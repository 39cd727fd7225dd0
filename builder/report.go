package builder

import (
	"fmt"
	"strconv"

	"github.com/nomis52/goactivity/machines"
)

// KeyErrorReport carries the *ErrorReport an error handling machine recovers from.
const KeyErrorReport = "Exception"

// Severity grades an error report.
type Severity int

const (
	SeverityStandard Severity = iota
	SeveritySevere
	SeverityCritical
	SeverityFatal
	SeverityWarning
	SeverityInformation
)

// String returns the name used for machines handling errors of this severity.
func (s Severity) String() string {
	switch s {
	case SeverityStandard:
		return "StandardError"
	case SeveritySevere:
		return "SevereError"
	case SeverityCritical:
		return "CriticalError"
	case SeverityFatal:
		return "FatalError"
	case SeverityWarning:
		return "Warning"
	case SeverityInformation:
		return "Information"
	default:
		return "Unknown"
	}
}

// ErrorReport describes an instrument error that an error handling machine
// is created for.
type ErrorReport struct {
	Severity Severity
	Code     int
	// Station is where the error happened, nil for system errors.
	Station machines.Station
	Cause   error
}

func (r *ErrorReport) Error() string {
	msg := fmt.Sprintf("%s %d", r.Severity, r.Code)
	if r.Station != nil {
		msg += " at " + r.Station.Name()
	}
	if r.Cause != nil {
		msg += ": " + r.Cause.Error()
	}
	return msg
}

func (r *ErrorReport) Unwrap() error {
	return r.Cause
}

// ErrorMachineName returns the name of the machine handling r, for example
// "Reader:SevereError-42".
func ErrorMachineName(r *ErrorReport) string {
	name := r.Severity.String() + "-" + strconv.Itoa(r.Code)
	if r.Station != nil {
		name = r.Station.Name() + ":" + name
	}
	return name
}
