// Package watch fans server-side changes out to subscribed clients.
package watch

import "github.com/google/uuid"

// Watcher is the lifecycle shared by every watcher.
type Watcher interface {
	Start() error
	Stop()
	Unsubscribe(id string)
}

func generateIDWithPrefix(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}
