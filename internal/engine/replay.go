package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
)

// maxLineSize bounds one JSONL line. Profiles in join frames can be large.
const maxLineSize = 1 << 20

// DecodeInput decodes one JSONL line of a recorded session. Lines with an
// "opcode" field are protocol frames; everything else is a log record.
func DecodeInput(line []byte) (Input, error) {
	var peek struct {
		Opcode *int `json:"opcode"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return nil, newRuntimeError(ErrCodeMalformedRecord, "", fmt.Errorf("%w: %v", gamelog.ErrMalformed, err))
	}
	if peek.Opcode != nil {
		f, err := lobby.DecodeFrame(line)
		if err != nil {
			return nil, newRuntimeError(ErrCodeMalformedFrame, "", err)
		}
		return ProtocolFrame{Frame: f}, nil
	}
	rec, err := gamelog.DecodeRecord(line)
	if err != nil {
		return nil, newRuntimeError(ErrCodeMalformedRecord, "", err)
	}
	return LogRecord{Record: rec}, nil
}

// ReadInputs decodes a JSONL stream. Blank lines are skipped; a malformed
// line is reported to onError with its 1-based line number and skipped.
func ReadInputs(r io.Reader, onError func(line int, err error)) ([]Input, error) {
	var inputs []Input
	err := ScanInputs(r, func(in Input) bool {
		inputs = append(inputs, in)
		return true
	}, onError)
	if err != nil {
		return nil, err
	}
	return inputs, nil
}

// ScanInputs decodes a JSONL stream line by line and hands each input to
// fn as soon as it is read. Scanning stops early when fn returns false.
func ScanInputs(r io.Reader, fn func(Input) bool, onError func(line int, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		in, err := DecodeInput(line)
		if err != nil {
			if onError != nil {
				onError(n, err)
			}
			continue
		}
		if !fn(in) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read inputs: %w", err)
	}
	return nil
}
