package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const versionPrefix = "failcore.trace.v"

// ErrIncompatibleVersion marks envelopes written by an incompatible
// schema generation.
var ErrIncompatibleVersion = errors.New("trace: incompatible schema version")

// CheckVersion verifies that an envelope's schema_version can be read
// by this build. Pre-1.0 minors are treated as breaking.
func CheckVersion(v string) error {
	if !strings.HasPrefix(v, versionPrefix) {
		return fmt.Errorf("%w: %q", ErrIncompatibleVersion, v)
	}
	theirs, err := semver.NewVersion(strings.TrimPrefix(v, versionPrefix))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleVersion, v, err)
	}
	ours := semver.MustParse(strings.TrimPrefix(SchemaVersion, versionPrefix))
	if theirs.Major() != ours.Major() {
		return fmt.Errorf("%w: %q (reader speaks %s)", ErrIncompatibleVersion, v, SchemaVersion)
	}
	if ours.Major() == 0 && theirs.Minor() != ours.Minor() {
		return fmt.Errorf("%w: %q (reader speaks %s)", ErrIncompatibleVersion, v, SchemaVersion)
	}
	return nil
}

// Reader decodes a JSONL trace stream. The default mode is tolerant:
// unknown envelope fields are ignored and a truncated final line is
// discarded silently. Strict mode rejects unknown fields everywhere
// except the data and step.meta extension points and enforces the
// schema version check per line.
type Reader struct {
	Strict bool
}

// ReadAll decodes every envelope in the stream. A malformed line in the
// middle of the stream is always an error; a malformed final line
// without a newline terminator is treated as a truncated write and
// dropped.
func (r Reader) ReadAll(src io.Reader) ([]Envelope, error) {
	br := bufio.NewReader(src)
	var out []Envelope
	lineNo := 0
	for {
		line, err := br.ReadString('\n')
		atEOF := errors.Is(err, io.EOF)
		if err != nil && !atEOF {
			return out, fmt.Errorf("trace: read line %d: %w", lineNo+1, err)
		}
		truncated := atEOF && !strings.HasSuffix(line, "\n")
		line = strings.TrimRight(line, "\n")
		if line != "" {
			lineNo++
			e, decErr := r.decodeLine(line)
			if decErr != nil {
				if truncated {
					return out, nil
				}
				return out, fmt.Errorf("trace: line %d: %w", lineNo, decErr)
			}
			out = append(out, e)
		}
		if atEOF {
			return out, nil
		}
	}
}

func (r Reader) decodeLine(line string) (Envelope, error) {
	var e Envelope
	if r.Strict {
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&e); err != nil {
			return Envelope{}, err
		}
	} else if err := json.Unmarshal([]byte(line), &e); err != nil {
		return Envelope{}, err
	}
	if r.Strict {
		if err := CheckVersion(e.SchemaVersion); err != nil {
			return Envelope{}, err
		}
		if _, ok := knownEvents[e.EventType]; !ok {
			return Envelope{}, fmt.Errorf("unknown event type %q", e.EventType)
		}
	}
	return e, nil
}

// Validate checks the per-run structural invariants of a decoded trace:
// strictly increasing seq, exactly one ATTEMPT and at most one EGRESS
// per step, and FINGERPRINT_COMPUTED preceding its step's replay
// events.
func Validate(events []Envelope) error {
	var lastSeq uint64
	attempts := map[string]int{}
	egresses := map[string]int{}
	fingerprinted := map[string]bool{}

	for i, e := range events {
		if i > 0 && e.Seq <= lastSeq {
			return fmt.Errorf("trace: seq %d at event %d does not increase past %d", e.Seq, i, lastSeq)
		}
		lastSeq = e.Seq

		stepID := ""
		if e.Step != nil {
			stepID = e.Step.ID
		}
		switch e.EventType {
		case EventAttempt:
			attempts[stepID]++
			if attempts[stepID] > 1 {
				return fmt.Errorf("trace: step %q has %d ATTEMPT events", stepID, attempts[stepID])
			}
		case EventEgress:
			egresses[stepID]++
			if egresses[stepID] > 1 {
				return fmt.Errorf("trace: step %q has %d EGRESS events", stepID, egresses[stepID])
			}
			if attempts[stepID] == 0 {
				return fmt.Errorf("trace: step %q has EGRESS before ATTEMPT", stepID)
			}
		case EventFingerprintComputed:
			fingerprinted[stepID] = true
		case EventReplayHit, EventReplayMiss:
			if !fingerprinted[stepID] {
				return fmt.Errorf("trace: step %q has %s before FINGERPRINT_COMPUTED", stepID, e.EventType)
			}
		}
	}
	return nil
}
