package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/codeedit/execsession/internal/model"
)

// maxFrameExcerpt bounds how much of an undecodable frame is kept on a ProtocolError.
const maxFrameExcerpt = 256

// ErrUnknownType is returned by DecodeOutbound for a command type the backend does not handle.
var ErrUnknownType = errors.New("unknown message type")

type executeFrame struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Language string `json:"language"`
	FileID   string `json:"file_id"`
}

type inputFrame struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

type typeOnlyFrame struct {
	Type string `json:"type"`
}

// envelope reads only a frame's type, so that the remaining fields are
// checked against the type they belong to.
type envelope struct {
	Type *string `json:"type"`
}

// inboundFrame is the union of every field a backend frame may carry.
// Pointer fields distinguish absent from empty.
type inboundFrame struct {
	Type      *string `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	Output    *string `json:"output,omitempty"`
	Error     *string `json:"error,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// outboundFrame is the union of every field a client command may carry.
type outboundFrame struct {
	Type     *string         `json:"type"`
	Code     string          `json:"code"`
	Language string          `json:"language"`
	FileID   json.RawMessage `json:"file_id"`
	Input    string          `json:"input"`
}

// Encode serializes a client command into a wire frame.
func Encode(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case Execute:
		return json.Marshal(executeFrame{Type: TypeExecute, Code: m.Code, Language: m.Language, FileID: m.FileID})
	case *Execute:
		return Encode(*m)
	case Input:
		return json.Marshal(inputFrame{Type: TypeInput, Input: m.Text})
	case *Input:
		return Encode(*m)
	case Terminate, *Terminate:
		return json.Marshal(typeOnlyFrame{Type: TypeTerminate})
	default:
		return nil, fmt.Errorf("cannot encode outbound message %T", msg)
	}
}

// Decode parses a backend frame. Frames that are not JSON objects with a
// string "type" field, or that lack a field their type requires, yield a
// *model.ProtocolError. Well-formed frames of an unrecognized type decode to Unknown.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := unmarshalObject(data, &env); err != nil {
		return nil, protocolError(data, err)
	}
	if env.Type == nil {
		return nil, protocolError(data, errors.New("missing 'type' field"))
	}

	switch *env.Type {
	case TypeConnectionEstablished, TypeOutput, TypeError, TypeInputPrompt,
		TypeExecutionComplete, TypeExecutionTerminated:
	default:
		return Unknown{Kind: *env.Type}, nil
	}

	var f inboundFrame
	if err := json.Unmarshal(bytes.TrimSpace(data), &f); err != nil {
		return nil, protocolError(data, err)
	}

	switch *env.Type {
	case TypeConnectionEstablished:
		return ConnectionEstablished{SessionID: f.SessionID}, nil
	case TypeOutput:
		if f.Output == nil {
			return nil, protocolError(data, missingField("output", *env.Type))
		}
		return Output{Text: *f.Output}, nil
	case TypeError:
		if f.Error == nil {
			return nil, protocolError(data, missingField("error", *env.Type))
		}
		return ServerError{Text: *f.Error}, nil
	case TypeInputPrompt:
		return InputPrompt{}, nil
	case TypeExecutionComplete:
		if f.ExitCode == nil {
			return nil, protocolError(data, missingField("exit_code", *env.Type))
		}
		return ExecutionComplete{ExitCode: *f.ExitCode}, nil
	case TypeExecutionTerminated:
		return ExecutionTerminated{Reason: f.Message}, nil
	default:
		return Unknown{Kind: *env.Type}, nil
	}
}

// EncodeInbound serializes a backend frame. It is the backend-side
// counterpart of Decode.
func EncodeInbound(msg Inbound) ([]byte, error) {
	t := msg.Type()
	f := inboundFrame{Type: &t}

	switch m := msg.(type) {
	case ConnectionEstablished:
		f.SessionID = m.SessionID
	case Output:
		f.Output = &m.Text
	case ServerError:
		f.Error = &m.Text
	case InputPrompt:
	case ExecutionComplete:
		f.ExitCode = &m.ExitCode
	case ExecutionTerminated:
		f.Message = m.Reason
	default:
		return nil, fmt.Errorf("cannot encode inbound message %T", msg)
	}

	return json.Marshal(f)
}

// DecodeOutbound parses a client command. It is the backend-side
// counterpart of Encode. Missing code or language decode as empty strings;
// file_id may be a JSON string or number.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := unmarshalObject(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.Type == nil {
		return nil, errors.New("missing 'type' field")
	}

	switch *env.Type {
	case TypeExecute, TypeInput, TypeTerminate:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, *env.Type)
	}

	var f outboundFrame
	if err := json.Unmarshal(bytes.TrimSpace(data), &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch *env.Type {
	case TypeExecute:
		fileID, err := fileIDString(f.FileID)
		if err != nil {
			return nil, err
		}
		return Execute{Code: f.Code, Language: f.Language, FileID: fileID}, nil
	case TypeInput:
		return Input{Text: f.Input}, nil
	case TypeTerminate:
		return Terminate{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, *env.Type)
	}
}

func unmarshalObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("frame is not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

func fileIDString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("invalid 'file_id' field: %s", raw)
}

func missingField(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s frame", field, msgType)
}

func protocolError(data []byte, err error) *model.ProtocolError {
	excerpt := data
	if len(excerpt) > maxFrameExcerpt {
		excerpt = excerpt[:maxFrameExcerpt]
	}
	return &model.ProtocolError{Frame: string(excerpt), Err: err}
}
