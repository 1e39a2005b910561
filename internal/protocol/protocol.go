// ABOUTME: Bridge frame schema with tagged-union JSON encoding and per-frame validation.
// ABOUTME: Defines the six frame kinds exchanged between the gateway and connected agents.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxContentLength is the hard limit on dispatch content, in characters.
const MaxContentLength = 10000

// ErrInvalidFrame indicates a frame that failed decoding or validation.
var ErrInvalidFrame = errors.New("invalid frame")

// FrameType tags each frame on the wire.
type FrameType string

const (
	FrameTypeRegister   FrameType = "register"
	FrameTypeRegistered FrameType = "registered"
	FrameTypeDispatch   FrameType = "dispatch"
	FrameTypeProgress   FrameType = "progress"
	FrameTypeResponse   FrameType = "response"
	FrameTypeHeartbeat  FrameType = "heartbeat"
)

// Frame is implemented by all six bridge frame kinds.
type Frame interface {
	FrameType() FrameType
	normalize()
	validate() error
}

// Register is the first frame an agent must send after connecting.
type Register struct {
	Type         FrameType         `json:"type"`
	AgentID      string            `json:"agent_id"`
	AuthToken    string            `json:"auth_token"`
	Capabilities []string          `json:"capabilities"`
	Workdir      string            `json:"workdir,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

func (f *Register) FrameType() FrameType { return FrameTypeRegister }

func (f *Register) normalize() {
	f.Type = FrameTypeRegister
	if f.Capabilities == nil {
		f.Capabilities = []string{}
	}
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
}

// validate checks agent_id only. An empty auth_token is a registration
// failure with its own close reason, enforced by the bridge server so it is
// not conflated with a malformed frame.
func (f *Register) validate() error {
	if f.AgentID == "" {
		return fmt.Errorf("%w: register: agent_id is required", ErrInvalidFrame)
	}
	return nil
}

// Registered is the gateway's reply to a successful Register.
type Registered struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Message   string    `json:"message"`
}

func (f *Registered) FrameType() FrameType { return FrameTypeRegistered }

func (f *Registered) normalize() {
	f.Type = FrameTypeRegistered
	if f.Message == "" {
		f.Message = "Registration successful"
	}
}

func (f *Registered) validate() error {
	if f.SessionID == "" {
		return fmt.Errorf("%w: registered: session_id is required", ErrInvalidFrame)
	}
	if f.AgentID == "" {
		return fmt.Errorf("%w: registered: agent_id is required", ErrInvalidFrame)
	}
	return nil
}

// Dispatch carries a unit of work from the gateway to an agent.
type Dispatch struct {
	Type      FrameType         `json:"type"`
	MessageID string            `json:"message_id"`
	AgentID   string            `json:"agent_id"`
	Content   string            `json:"content"`
	Context   map[string]string `json:"context"`
	SessionID string            `json:"session_id,omitempty"`
}

func (f *Dispatch) FrameType() FrameType { return FrameTypeDispatch }

func (f *Dispatch) normalize() {
	f.Type = FrameTypeDispatch
	if f.Context == nil {
		f.Context = map[string]string{}
	}
}

func (f *Dispatch) validate() error {
	if f.MessageID == "" {
		return fmt.Errorf("%w: dispatch: message_id is required", ErrInvalidFrame)
	}
	if f.AgentID == "" {
		return fmt.Errorf("%w: dispatch: agent_id is required", ErrInvalidFrame)
	}
	if f.Content == "" {
		return fmt.Errorf("%w: dispatch: content is required", ErrInvalidFrame)
	}
	if len([]rune(f.Content)) > MaxContentLength {
		return fmt.Errorf("%w: dispatch: content exceeds %d characters", ErrInvalidFrame, MaxContentLength)
	}
	return nil
}

// Progress is a streamed status update for an in-flight dispatch.
type Progress struct {
	Type         FrameType         `json:"type"`
	MessageID    string            `json:"message_id"`
	AgentID      string            `json:"agent_id"`
	Status       string            `json:"status"`
	ProgressText string            `json:"progress_text"`
	Metadata     map[string]string `json:"metadata"`
}

func (f *Progress) FrameType() FrameType { return FrameTypeProgress }

func (f *Progress) normalize() {
	f.Type = FrameTypeProgress
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
}

func (f *Progress) validate() error {
	if f.MessageID == "" {
		return fmt.Errorf("%w: progress: message_id is required", ErrInvalidFrame)
	}
	if f.AgentID == "" {
		return fmt.Errorf("%w: progress: agent_id is required", ErrInvalidFrame)
	}
	if f.Status == "" {
		return fmt.Errorf("%w: progress: status is required", ErrInvalidFrame)
	}
	return nil
}

// Response resolves a dispatch. Exactly one Response is expected per message_id.
type Response struct {
	Type      FrameType          `json:"type"`
	MessageID string             `json:"message_id"`
	AgentID   string             `json:"agent_id"`
	Content   string             `json:"content"`
	Usage     map[string]float64 `json:"usage"`
	Error     string             `json:"error,omitempty"`
}

func (f *Response) FrameType() FrameType { return FrameTypeResponse }

func (f *Response) normalize() {
	f.Type = FrameTypeResponse
	if f.Usage == nil {
		f.Usage = map[string]float64{}
	}
}

func (f *Response) validate() error {
	if f.MessageID == "" {
		return fmt.Errorf("%w: response: message_id is required", ErrInvalidFrame)
	}
	if f.AgentID == "" {
		return fmt.Errorf("%w: response: agent_id is required", ErrInvalidFrame)
	}
	return nil
}

// Heartbeat is a liveness signal; the gateway echoes it back verbatim.
type Heartbeat struct {
	Type      FrameType `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *Heartbeat) FrameType() FrameType { return FrameTypeHeartbeat }

func (f *Heartbeat) normalize() {
	f.Type = FrameTypeHeartbeat
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
}

func (f *Heartbeat) validate() error {
	if f.AgentID == "" {
		return fmt.Errorf("%w: heartbeat: agent_id is required", ErrInvalidFrame)
	}
	return nil
}

// EncodeFrame normalizes a frame (type tag, documented defaults) and marshals it.
func EncodeFrame(f Frame) ([]byte, error) {
	f.normalize()
	if err := f.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.FrameType(), err)
	}
	return data, nil
}

// DecodeFrame peeks the type tag, decodes the matching variant, applies
// documented defaults, and validates. Unknown tags fail closed.
func DecodeFrame(data []byte) (Frame, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	var f Frame
	switch env.Type {
	case FrameTypeRegister:
		f = &Register{}
	case FrameTypeRegistered:
		f = &Registered{}
	case FrameTypeDispatch:
		f = &Dispatch{}
	case FrameTypeProgress:
		f = &Progress{}
	case FrameTypeResponse:
		f = &Response{}
	case FrameTypeHeartbeat:
		f = &Heartbeat{}
	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, env.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, env.Type, err)
	}
	f.normalize()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// SanitizeContent strips NUL and other control bytes from dispatch content.
// Tab, newline and carriage return are kept.
func SanitizeContent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
