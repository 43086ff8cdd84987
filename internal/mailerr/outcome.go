package mailerr

import "strings"

type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Outcome is what user-facing operations report. Remote mirror failures end
// up in Warnings and never turn a local mutation into an error.
type Outcome struct {
	Status   Status
	Warnings []string
	Err      error
}

func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

func Failed(err error) Outcome {
	return Outcome{Status: StatusError, Err: err}
}

// Warn records a non-blocking warning and downgrades a success to a warning.
func (o *Outcome) Warn(msg string) {
	o.Warnings = append(o.Warnings, msg)
	if o.Status == StatusSuccess || o.Status == "" {
		o.Status = StatusWarning
	}
}

func (o Outcome) OK() bool {
	return o.Status != StatusError
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusError:
		if o.Err != nil {
			return "error: " + o.Err.Error()
		}
		return "error"
	case StatusWarning:
		return "warning: " + strings.Join(o.Warnings, "; ")
	default:
		return "ok"
	}
}
