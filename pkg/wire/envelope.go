package wire

// Message type strings are fixed by the deployed chat clients and must not
// change.
const (
	TypeOnlineStatus = "online_status"
	TypeOnlineUsers  = "online_users"
	TypeChatRequest  = "chat_request"
	TypeChatResponse = "chat_response"
	TypeChat         = "chat"
	TypeError        = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserInfo is one entry of an online_users snapshot.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Envelope is one decoded application-level message. Only the fields for its
// Type are meaningful; an Envelope is never mutated after decode.
type Envelope struct {
	Type string

	// online_status
	UserID   int64
	Username string
	Role     string
	Status   string

	// targeted types (chat, chat_request, chat_response)
	From    int64
	To      int64
	Content string
	Accept  bool

	// online_users
	Users []UserInfo

	// error
	Message string

	raw []byte
}

// Targeted reports whether the envelope is relayed to a single recipient.
func (e *Envelope) Targeted() bool {
	switch e.Type {
	case TypeChat, TypeChatRequest, TypeChatResponse:
		return true
	}
	return false
}

// Raw returns the frame bytes the envelope was decoded from, without the
// delimiter. It is nil for locally constructed envelopes.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// Snapshot builds an online_users broadcast envelope.
func Snapshot(users []UserInfo) Envelope {
	return Envelope{Type: TypeOnlineUsers, Users: users}
}

// ErrorMessage builds an error envelope for a single client.
func ErrorMessage(msg string) Envelope {
	return Envelope{Type: TypeError, Message: msg}
}
