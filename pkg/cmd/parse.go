package cmd

import (
	"strings"

	"github.com/lab47/logbus/pkg/event"
	"github.com/pkg/errors"
)

var ErrBadLine = errors.New("malformed input line")

// parseLine turns one line of pipe input into an event. Accepted forms:
//
//	progress start|update|complete <id> [text]
//	LEVEL: [category] text
//	text
//
// Plain text is a LIFECYCLE message. Blank lines yield nil.
func parseLine(line string) (event.Event, error) {
	line = strings.TrimRight(line, " \t\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}

	if strings.HasPrefix(line, "progress ") {
		return parseProgress(line)
	}

	if idx := strings.IndexByte(line, ':'); idx > 0 {
		sev, err := event.ParseSeverity(line[:idx])
		if err == nil {
			category, text := splitCategory(strings.TrimSpace(line[idx+1:]))
			return event.NewMessage(sev, category, text), nil
		}
	}

	return event.NewMessage(event.Lifecycle, "", line), nil
}

func splitCategory(text string) (string, string) {
	if !strings.HasPrefix(text, "[") {
		return "", text
	}

	end := strings.IndexByte(text, ']')
	if end < 0 {
		return "", text
	}

	return text[1:end], strings.TrimSpace(text[end+1:])
}

func parseProgress(line string) (event.Event, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, errors.Wrapf(ErrBadLine, "%q: expected progress <phase> <id>", line)
	}

	var phase event.Phase

	switch fields[1] {
	case "start":
		phase = event.PhaseStart
	case "update":
		phase = event.PhaseUpdate
	case "complete":
		phase = event.PhaseComplete
	default:
		return nil, errors.Wrapf(ErrBadLine, "%q: unknown progress phase %s", line, fields[1])
	}

	text := strings.Join(fields[3:], " ")

	p := event.NewProgress(phase, fields[2], "")
	p.Level = event.SeverityOf(event.Lifecycle)

	if phase == event.PhaseStart {
		p.Description = text
	} else {
		p.Status = text
	}

	return p, nil
}
