// Package protocol defines the wire envelope shared by the UChat server and
// client: one JSON object per line, a closed command set, and one typed
// payload per command.
package protocol

// CommandType selects the concrete payload shape of a request and of its
// success response. The string values are part of the wire format.
type CommandType string

const (
	CommandLogin        CommandType = "Login"
	CommandRegister     CommandType = "Register"
	CommandSendMessage  CommandType = "SendMessage"
	CommandDeleteForMe  CommandType = "DeleteForMe"
	CommandDeleteForAll CommandType = "DeleteForAll"
	CommandReconnect    CommandType = "Reconnect"
	CommandEditMessage  CommandType = "EditMessage"
	CommandCreateChat   CommandType = "CreateChat"
	CommandSearchUser   CommandType = "SearchUser"
	CommandGetChats     CommandType = "GetChats"
	CommandGetHistory   CommandType = "GetHistory"
)

var knownCommands = map[CommandType]bool{
	CommandLogin:        true,
	CommandRegister:     true,
	CommandSendMessage:  true,
	CommandDeleteForMe:  true,
	CommandDeleteForAll: true,
	CommandReconnect:    true,
	CommandEditMessage:  true,
	CommandCreateChat:   true,
	CommandSearchUser:   true,
	CommandGetChats:     true,
	CommandGetHistory:   true,
}

// Known reports whether ct is part of the closed command set.
func (ct CommandType) Known() bool {
	return knownCommands[ct]
}

// Status is the outcome of a request.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
)
