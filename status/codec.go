package status

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rgt-harness/rgt/model"
)

const (
	recordDelimiter = "-----"
	fieldTime       = "Time"
	fieldKind       = "EventKind"
	fieldPayload    = "Payload"
)

// legacyTimeLayout is the timezone-less ISO timestamp older records carry.
const legacyTimeLayout = "2006-01-02T15:04:05.999999999"

// encodeEvent renders one event as a complete record. Payload newlines are
// flattened so that every field stays on one line.
func encodeEvent(ev model.Event) []byte {
	payload := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(ev.Payload)

	var buf bytes.Buffer
	buf.WriteString(recordDelimiter + "\n")
	fmt.Fprintf(&buf, "%s: %s\n", fieldTime, ev.Time.Format(time.RFC3339Nano))
	fmt.Fprintf(&buf, "%s: %s\n", fieldKind, ev.Kind)
	fmt.Fprintf(&buf, "%s: %s\n", fieldPayload, payload)
	buf.WriteString(recordDelimiter + "\n")
	return buf.Bytes()
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyTimeLayout, value, time.Local)
}

// decodeEvents streams the complete records in r. A trailing record that is
// not terminated by its closing delimiter and newline is still being written
// and is skipped.
func decodeEvents(r io.Reader, yield func(model.Event, error) bool) {
	br := bufio.NewReader(r)

	var (
		inRecord bool
		lineNo   int
		current  model.Event
		seen     map[string]bool
	)

	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			// An unterminated line is a write in progress.
			return
		}
		if err != nil {
			yield(model.Event{}, errors.Wrap(err, "failed to read status record"))
			return
		}
		lineNo++
		line = strings.TrimRight(line, "\r\n")

		if line == recordDelimiter {
			if !inRecord {
				inRecord = true
				current = model.Event{}
				seen = make(map[string]bool, 3)
				continue
			}
			inRecord = false
			if !seen[fieldTime] || !seen[fieldKind] {
				if !yield(model.Event{}, fmt.Errorf("line %d: record is missing %s or %s", lineNo, fieldTime, fieldKind)) {
					return
				}
				continue
			}
			if !yield(current, nil) {
				return
			}
			continue
		}

		if !inRecord {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !yield(model.Event{}, fmt.Errorf("line %d: unexpected content outside a record: %q", lineNo, line)) {
				return
			}
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if !yield(model.Event{}, fmt.Errorf("line %d: malformed field %q", lineNo, line)) {
				return
			}
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch key {
		case fieldTime:
			t, err := parseTime(value)
			if err != nil {
				if !yield(model.Event{}, fmt.Errorf("line %d: invalid time %q: %w", lineNo, value, err)) {
					return
				}
				continue
			}
			current.Time = t
		case fieldKind:
			current.Kind = model.EventKind(strings.TrimSpace(value))
		case fieldPayload:
			current.Payload = value
		default:
			// Unknown fields are tolerated for forward compatibility.
			continue
		}
		seen[key] = true
	}
}

// completeLength returns the byte length of the leading run of complete
// records in r. Anything after it is a record whose writer died mid-append.
func completeLength(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)

	var (
		offset, boundary int64
		inRecord         bool
	)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			return boundary, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to read status record")
		}
		offset += int64(len(line))

		switch strings.TrimRight(line, "\r\n") {
		case recordDelimiter:
			inRecord = !inRecord
			if !inRecord {
				boundary = offset
			}
		case "":
			if !inRecord {
				boundary = offset
			}
		}
	}
}

// ReadEvents returns a lazy sequence over the records of the status file at
// path. Each iteration re-opens the file and starts from the first record,
// so the sequence can be ranged over repeatedly while a writer appends.
func ReadEvents(path string) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				yield(model.Event{}, &NotFoundError{Path: path})
				return
			}
			yield(model.Event{}, errors.Wrapf(err, "failed to open %s", path))
			return
		}
		defer f.Close()

		decodeEvents(f, yield)
	}
}

// LoadEvents reads every record of the status file at path.
func LoadEvents(path string) ([]model.Event, error) {
	var events []model.Event
	for ev, err := range ReadEvents(path) {
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
