package realtime

// ClientFrame is what a connection sends the server. Only the "update"
// action exists today; ExpectedSerialNum is the optimistic-concurrency
// fence and is a pointer so a missing field is distinguishable from 0.
type ClientFrame struct {
	Action            string `json:"action"`
	Operation         string `json:"operation,omitempty"`
	ExpectedSerialNum *int64 `json:"expected_serial_num,omitempty"`
}

// UpdateFrame is the broadcast echo of a committed operation. Clients
// must treat this echo, not their local prediction, as the commit.
type UpdateFrame struct {
	Action    string `json:"action"`
	Operation string `json:"operation"`
	SerialNum int64  `json:"serial_num"`
}

// ErrorFrame reports a recoverable, per-message failure. The
// connection stays open.
type ErrorFrame struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

const (
	actionUpdate = "update"
	actionError  = "error"
)

func errorFrame(message string) ErrorFrame {
	return ErrorFrame{Action: actionError, Message: message}
}

// closeAuthFailed is the close code for a failed websocket
// authentication; it sits in the private-use range above the reserved
// websocket codes.
const closeAuthFailed = 4001
