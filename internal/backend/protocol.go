// Package backend implements the local IPC side of parley: a Unix
// socket server that backend worker processes attach to, the
// newline-delimited command protocol they speak, and the LIFO stack
// that decides which registered backend is current.
//
// The protocol is line-oriented UTF-8:
//
//	register backend     declare this connection the delivery target
//	message:<text>       a reply to relay to the remote party
//	picture:<path>       a local image file to relay as an attachment
//	stop                 privileged process shutdown
//
// Outbound traffic to a backend is framed as "message:<text>\n".
package backend

import "strings"

const (
	registerCommand = "register backend"
	stopCommand     = "stop"
	messagePrefix   = "message:"
	picturePrefix   = "picture:"
)

// CommandKind identifies a parsed IPC command.
type CommandKind int

const (
	CommandRegister CommandKind = iota + 1
	CommandMessage
	CommandPicture
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandRegister:
		return "register"
	case CommandMessage:
		return "message"
	case CommandPicture:
		return "picture"
	case CommandStop:
		return "stop"
	}
	return "unknown"
}

// Command is one parsed IPC line. Payload holds the message text or
// picture path.
type Command struct {
	Kind    CommandKind
	Payload string
}

// ParseCommand parses one IPC line. It reports false for empty lines,
// unknown commands and message or picture commands with an empty
// payload; callers drop those silently.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return Command{}, false
	case line == registerCommand:
		return Command{Kind: CommandRegister}, true
	case line == stopCommand:
		return Command{Kind: CommandStop}, true
	case strings.HasPrefix(line, messagePrefix):
		payload := strings.TrimSpace(line[len(messagePrefix):])
		if payload == "" {
			return Command{}, false
		}
		return Command{Kind: CommandMessage, Payload: payload}, true
	case strings.HasPrefix(line, picturePrefix):
		payload := strings.TrimSpace(line[len(picturePrefix):])
		if payload == "" {
			return Command{}, false
		}
		return Command{Kind: CommandPicture, Payload: payload}, true
	}
	return Command{}, false
}

// FormatMessage frames text for delivery to a backend. Embedded line
// breaks are folded into spaces so one remote message is always one
// protocol line.
func FormatMessage(text string) []byte {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return []byte(messagePrefix + text + "\n")
}
