package process

import "github.com/pockode/codexbridge/message"

// MessageListener receives every normalized message a process emits
// (MessagesWatcher). Called on the dispatch path; must not block.
type MessageListener interface {
	OnMessage(msg message.Message)
}
