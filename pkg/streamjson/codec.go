package streamjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError marks a line that was not well-formed JSON. The owning session
// surfaces it as an error event and keeps the stream alive.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("streamjson: malformed line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one wire line into a typed record. Well-formed lines always
// decode: unknown top-level types come back as *UnknownRecord. Only broken
// JSON produces a *DecodeError.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	var (
		rec Record
		err error
	)
	switch probe.Type {
	case TypeSystem:
		r := &SystemRecord{}
		err, rec = json.Unmarshal(line, r), r
	case TypeUser:
		r := &UserRecord{}
		err, rec = json.Unmarshal(line, r), r
	case TypeAssistant:
		r := &AssistantRecord{}
		err, rec = json.Unmarshal(line, r), r
	case TypeResult:
		r := &ResultRecord{}
		err, rec = json.Unmarshal(line, r), r
	case TypeControlRequest:
		r := &ControlRequestRecord{}
		err, rec = json.Unmarshal(line, r), r
	case TypeControlResponse:
		r := &ControlResponseRecord{}
		err, rec = json.Unmarshal(line, r), r
	default:
		return &UnknownRecord{Tag: probe.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
	if err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}
	return rec, nil
}

// Encode serialises a record to its canonical single-line form, without the
// trailing newline. Serialisation is byte-stable for equal inputs.
func Encode(rec Record) ([]byte, error) {
	switch r := rec.(type) {
	case *SystemRecord:
		r.Type = TypeSystem
	case *UserRecord:
		r.Type = TypeUser
	case *AssistantRecord:
		r.Type = TypeAssistant
	case *ResultRecord:
		r.Type = TypeResult
	case *ControlRequestRecord:
		r.Type = TypeControlRequest
	case *ControlResponseRecord:
		r.Type = TypeControlResponse
	case *UnknownRecord:
		return append([]byte(nil), r.Raw...), nil
	default:
		return nil, fmt.Errorf("streamjson: cannot encode %T", rec)
	}
	return json.Marshal(rec)
}

// EncodeLine is Encode with the newline terminator appended.
func EncodeLine(rec Record) ([]byte, error) {
	b, err := Encode(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
