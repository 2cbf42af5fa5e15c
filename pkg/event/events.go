package event

import (
	"fmt"
	"time"
)

// Kind identifies the variant of an Event.
type Kind int

const (
	KindAddListener Kind = iota
	KindRemoveListener
	KindMessage
	KindProgress
)

func (k Kind) String() string {
	switch k {
	case KindAddListener:
		return "add-listener"
	case KindRemoveListener:
		return "remove-listener"
	case KindMessage:
		return "message"
	case KindProgress:
		return "progress"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is the closed set of things that can be published on a Bus. The
// only implementations are AddListener, RemoveListener, Message and
// Progress.
type Event interface {
	Kind() Kind
	LogLevel() OptionalSeverity

	event()
}

// IsControl reports whether ev changes listener membership instead of
// carrying output.
func IsControl(ev Event) bool {
	switch ev.(type) {
	case *AddListener, *RemoveListener:
		return true
	default:
		return false
	}
}

type AddListener struct {
	Handle      *Handle
	MinSeverity Severity
}

// AddListenerEvent requests that h start receiving events at or above min.
func AddListenerEvent(h *Handle, min Severity) *AddListener {
	return &AddListener{Handle: h, MinSeverity: min}
}

func (a *AddListener) Kind() Kind                 { return KindAddListener }
func (a *AddListener) LogLevel() OptionalSeverity { return NoSeverity }

type RemoveListener struct {
	Handle *Handle
}

// RemoveListenerEvent requests that h receive nothing published after the
// removal.
func RemoveListenerEvent(h *Handle) *RemoveListener {
	return &RemoveListener{Handle: h}
}

func (r *RemoveListener) Kind() Kind                 { return KindRemoveListener }
func (r *RemoveListener) LogLevel() OptionalSeverity { return NoSeverity }

// Message is a line of log output.
type Message struct {
	Severity  Severity
	Category  string
	Text      string
	Timestamp time.Time

	// Err is set when the output reports a failure.
	Err error
}

func NewMessage(sev Severity, category, text string) *Message {
	return &Message{
		Severity:  sev,
		Category:  category,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func NewErrorMessage(category string, err error) *Message {
	return &Message{
		Severity:  Error,
		Category:  category,
		Text:      err.Error(),
		Timestamp: time.Now(),
		Err:       err,
	}
}

func (m *Message) Kind() Kind                 { return KindMessage }
func (m *Message) LogLevel() OptionalSeverity { return SeverityOf(m.Severity) }

type Phase int

const (
	PhaseStart Phase = iota
	PhaseUpdate
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseUpdate:
		return "update"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Progress reports the state of a long running operation. The bus only
// looks at Level.
type Progress struct {
	OperationID string
	ParentID    string
	Phase       Phase
	Description string
	Status      string
	Timestamp   time.Time
	Level       OptionalSeverity
}

func NewProgress(phase Phase, id, description string) *Progress {
	return &Progress{
		OperationID: id,
		Phase:       phase,
		Description: description,
		Timestamp:   time.Now(),
	}
}

func (p *Progress) Kind() Kind                 { return KindProgress }
func (p *Progress) LogLevel() OptionalSeverity { return p.Level }

func (a *AddListener) event()    {}
func (r *RemoveListener) event() {}
func (m *Message) event()        {}
func (p *Progress) event()       {}
