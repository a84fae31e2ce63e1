package orchestrator

import (
	"github.com/JaisonBinns/nanoclaw/internal/container"
	"github.com/JaisonBinns/nanoclaw/internal/store"
)

// Snapshots feeds the runner's pre-invocation snapshots straight from the
// store, so the runner can be built before the orchestrator.
type Snapshots struct {
	Store *store.Store
}

func (s Snapshots) AllTasks() ([]store.ScheduledTask, error) { return s.Store.AllTasks() }

// AvailableGroups lists every known chat, most recently active first, marked
// with whether it is registered.
func (s Snapshots) AvailableGroups() ([]container.AvailableGroup, error) {
	chats, err := s.Store.AllChats()
	if err != nil {
		return nil, err
	}
	registered, err := s.Store.AllRegisteredGroups()
	if err != nil {
		return nil, err
	}
	out := make([]container.AvailableGroup, 0, len(chats))
	for _, c := range chats {
		_, ok := registered[c.JID]
		out = append(out, container.AvailableGroup{
			JID:          c.JID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: ok,
		})
	}
	return out, nil
}
