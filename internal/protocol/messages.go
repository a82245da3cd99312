package protocol

// Error codes carried in ErrorMessage.Code.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnsupported     = "UNSUPPORTED"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnavailable     = "UNAVAILABLE"
)

// Ack notes.
const (
	NoteAuthenticated = "authenticated"
	NoteQueuedOffline = "queued for offline delivery"
	NoteGroupCreated  = "group created"
	NoteMemberAdded   = "member added"
)

type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type PrivateMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type GroupMessage struct {
	Group string `json:"group"`
	Text  string `json:"text"`
}

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type AddToGroupRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// FileChunkHeader announces a file transfer; the relay does not interpret it.
type FileChunkHeader struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	FileName   string `json:"fileName"`
	TotalBytes int64  `json:"totalBytes"`
	ChunkSize  int    `json:"chunkSize"`
}

// FileChunk carries one slice of file bytes; Data is base64 on the wire.
type FileChunk struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Count int    `json:"count"`
	Data  []byte `json:"data"`
}

type ListUsersRequest struct{}

type ListUsersResponse struct {
	Users []string `json:"users"`
}

type AckMessage struct {
	CorrelationID string `json:"correlationId"`
	Note          string `json:"note,omitempty"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAck builds a server-originated Ack envelope addressed to user.
func NewAck(to, correlationID, note string) Envelope {
	env, _ := NewEnvelope(TypeAck, "", to, AckMessage{CorrelationID: correlationID, Note: note})
	return env
}

// NewError builds a server-originated Error envelope addressed to user.
func NewError(to, code, message string) Envelope {
	env, _ := NewEnvelope(TypeError, "", to, ErrorMessage{Code: code, Message: message})
	return env
}
