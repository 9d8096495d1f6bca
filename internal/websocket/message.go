package websocket

import "encoding/json"

// Message defines the structure for websocket messages.
type Message struct {
	Action  string      `json:"action"`
	Payload interface{} `json:"payload"`
}

// Actions pushed to clients.
const (
	ActionServerStatus  = "server_status"
	ActionBackupResult  = "backup_result"
	ActionConsoleOutput = "console_output"
	ActionError         = "error"
)

// NewErrorMessage encodes an error notice for a single client.
func NewErrorMessage(text string) []byte {
	return encode(Message{Action: ActionError, Payload: map[string]string{"message": text}})
}

// NewConsoleOutputMessage encodes the reply to an rcon command.
func NewConsoleOutputMessage(command, output string) []byte {
	return encode(Message{Action: ActionConsoleOutput, Payload: map[string]string{
		"command": command,
		"output":  output,
	}})
}

// NewMessage encodes an arbitrary action/payload pair.
func NewMessage(action string, payload interface{}) []byte {
	return encode(Message{Action: action, Payload: payload})
}

func encode(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		data, _ = json.Marshal(Message{Action: ActionError, Payload: map[string]string{"message": err.Error()}})
	}
	return data
}
