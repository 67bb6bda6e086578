package remote

// FrameType identifies a message of the relay protocol.
type FrameType string

const (
	// Client to server.
	FrameWatch   FrameType = "watch"
	FrameUnwatch FrameType = "unwatch"
	FrameQuery   FrameType = "query"
	FrameWrite   FrameType = "write"

	// Server to client.
	FrameSnapshot FrameType = "snapshot"
	FrameResult   FrameType = "result"
	FrameAck      FrameType = "ack"
	FrameError    FrameType = "error"
)

// Write operations carried by FrameWrite.
const (
	WriteSet        = "set"
	WriteUpdate     = "update"
	WriteDelete     = "delete"
	WriteArrayUnion = "arrayUnion"
)

// Frame is one JSON message of the relay protocol. ID ties a snapshot or
// error to the watch that opened it, and an ack, result or error to the
// request that caused it.
type Frame struct {
	Type FrameType `json:"type"`
	ID   int64     `json:"id"`

	Query *Query `json:"query,omitempty"`

	Op         string         `json:"op,omitempty"`
	Collection string         `json:"collection,omitempty"`
	DocID      string         `json:"docId,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Field      string         `json:"field,omitempty"`
	Values     []any          `json:"values,omitempty"`

	Docs []Document `json:"docs,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
