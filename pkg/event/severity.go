package event

import (
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Severity orders events for per-listener filtering.
type Severity int

const (
	Debug Severity = iota
	Info
	Lifecycle
	Warn
	Quiet
	Error
)

var ErrBadSeverity = errors.New("unknown severity")

var severityNames = [...]string{
	Debug:     "DEBUG",
	Info:      "INFO",
	Lifecycle: "LIFECYCLE",
	Warn:      "WARN",
	Quiet:     "QUIET",
	Error:     "ERROR",
}

func (s Severity) String() string {
	if s < Debug || s > Error {
		return "UNKNOWN"
	}

	return severityNames[s]
}

func (s Severity) Valid() bool {
	return s >= Debug && s <= Error
}

// ParseSeverity accepts the level names in any case. WARNING is accepted
// as an alias for WARN.
func ParseSeverity(str string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(str))
	if up == "WARNING" {
		return Warn, nil
	}

	for i, name := range severityNames {
		if name == up {
			return Severity(i), nil
		}
	}

	return Debug, errors.Wrapf(ErrBadSeverity, "%q", str)
}

// HclogLevel maps a severity onto the closest hclog level.
func (s Severity) HclogLevel() hclog.Level {
	switch s {
	case Debug:
		return hclog.Debug
	case Info, Lifecycle:
		return hclog.Info
	case Warn, Quiet:
		return hclog.Warn
	case Error:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

// OptionalSeverity is a severity that may be absent. Control events carry
// the absent value and are never filtered.
type OptionalSeverity struct {
	Severity Severity
	Present  bool
}

// NoSeverity is the absent severity.
var NoSeverity = OptionalSeverity{}

func SeverityOf(s Severity) OptionalSeverity {
	return OptionalSeverity{Severity: s, Present: true}
}

// Admits reports whether an event at this level passes a listener whose
// minimum is min.
func (o OptionalSeverity) Admits(min Severity) bool {
	return !o.Present || o.Severity >= min
}

func (o OptionalSeverity) String() string {
	if !o.Present {
		return "-"
	}

	return o.Severity.String()
}
