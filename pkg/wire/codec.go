package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Delimiter separates frames on the byte stream.
const Delimiter = '\n'

// MaxFrameSize caps the decode buffer. A peer that streams more than this
// without a delimiter is sending garbage, not a frame; the oversized span is
// discarded through its eventual delimiter and decoding continues after it.
const MaxFrameSize = 64 * 1024

// Decoder splits a byte stream into newline-delimited frames and decodes each
// frame independently. A malformed frame is dropped and decoding resumes at
// the next delimiter, so one corrupt message never desynchronizes the
// connection. Not safe for concurrent use; each connection owns one Decoder.
type Decoder struct {
	buf        []byte
	discarding bool
	logger     *slog.Logger
}

func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger.With(slog.String("component", "wire_decoder"))}
}

// Feed appends incoming bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete envelope, or ok=false when the buffer holds
// no further complete frame. An incomplete trailing fragment is retained for
// the next Feed.
func (d *Decoder) Next() (Envelope, bool) {
	for {
		i := bytes.IndexByte(d.buf, Delimiter)
		if i < 0 {
			if len(d.buf) > MaxFrameSize {
				d.logger.Warn("dropping oversized frame", slog.Int("buffered", len(d.buf)))
				d.buf = d.buf[:0]
				d.discarding = true
			}
			return Envelope{}, false
		}
		frame := make([]byte, i)
		copy(frame, d.buf[:i])
		d.buf = append(d.buf[:0], d.buf[i+1:]...)

		if d.discarding {
			// The rest of the oversized frame ends at this delimiter.
			d.discarding = false
			continue
		}

		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		env, err := decodeFrame(frame)
		if err != nil {
			d.logger.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}
		return env, true
	}
}

func decodeFrame(frame []byte) (Envelope, error) {
	if !gjson.ValidBytes(frame) {
		return Envelope{}, fmt.Errorf("frame is not valid JSON")
	}
	obj := gjson.ParseBytes(frame)
	typ := obj.Get("type")
	if !typ.Exists() || typ.String() == "" {
		return Envelope{}, fmt.Errorf("frame has no type field")
	}

	env := Envelope{Type: typ.String(), raw: frame}
	switch env.Type {
	case TypeOnlineStatus:
		env.UserID = obj.Get("user_id").Int()
		env.Username = obj.Get("username").String()
		env.Role = obj.Get("role").String()
		env.Status = obj.Get("status").String()
		if env.UserID <= 0 {
			return Envelope{}, fmt.Errorf("online_status without user_id")
		}
		if env.Status != StatusOnline && env.Status != StatusOffline {
			return Envelope{}, fmt.Errorf("online_status with status %q", env.Status)
		}
	case TypeChat, TypeChatRequest, TypeChatResponse:
		env.From = obj.Get("from").Int()
		env.To = obj.Get("to").Int()
		env.Content = obj.Get("content").String()
		env.Username = obj.Get("username").String()
		env.Accept = obj.Get("accept").Bool()
		if env.From <= 0 || env.To <= 0 {
			return Envelope{}, fmt.Errorf("%s without from/to", env.Type)
		}
	case TypeOnlineUsers:
		for _, u := range obj.Get("users").Array() {
			env.Users = append(env.Users, UserInfo{
				ID:       u.Get("id").Int(),
				Username: u.Get("username").String(),
				Role:     u.Get("role").String(),
			})
		}
	case TypeError:
		env.Message = obj.Get("message").String()
	}
	return env, nil
}

type onlineStatusJSON struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Role     string `json:"role"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type targetedJSON struct {
	Type     string `json:"type"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Content  string `json:"content,omitempty"`
	Username string `json:"username,omitempty"`
	Accept   *bool  `json:"accept,omitempty"`
}

type onlineUsersJSON struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

type errorJSON struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Encode serializes one envelope and appends the frame delimiter.
func Encode(env Envelope) ([]byte, error) {
	var v any
	switch env.Type {
	case TypeOnlineStatus:
		v = onlineStatusJSON{Type: env.Type, UserID: env.UserID, Role: env.Role, Username: env.Username, Status: env.Status}
	case TypeChat, TypeChatRequest, TypeChatResponse:
		t := targetedJSON{Type: env.Type, From: env.From, To: env.To, Content: env.Content, Username: env.Username}
		if env.Type == TypeChatResponse {
			accept := env.Accept
			t.Accept = &accept
		}
		v = t
	case TypeOnlineUsers:
		users := env.Users
		if users == nil {
			users = []UserInfo{}
		}
		v = onlineUsersJSON{Type: env.Type, Users: users}
	case TypeError:
		v = errorJSON{Type: env.Type, Message: env.Message}
	default:
		return nil, fmt.Errorf("cannot encode envelope of type %q", env.Type)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	return append(b, Delimiter), nil
}

// Framed returns the bytes to put on the stream for a decoded envelope: the
// original frame, relayed verbatim, plus the delimiter.
func (e *Envelope) Framed() ([]byte, error) {
	if e.raw != nil {
		out := make([]byte, 0, len(e.raw)+1)
		out = append(out, e.raw...)
		return append(out, Delimiter), nil
	}
	return Encode(*e)
}
