package watch

import (
	"log/slog"

	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/settings"
)

const MethodSettingsChanged = "settings.changed"

// SettingsWatcher notifies subscribers when settings are updated, through the
// API or by editing settings.json.
type SettingsWatcher struct {
	*BaseWatcher
	store   *settings.Store
	eventCh chan settings.Settings
}

var _ Watcher = (*SettingsWatcher)(nil)

func NewSettingsWatcher(store *settings.Store) *SettingsWatcher {
	w := &SettingsWatcher{
		BaseWatcher: NewBaseWatcher("st"),
		store:       store,
		eventCh:     make(chan settings.Settings, 16),
	}
	store.SetOnChangeListener(w)
	return w
}

func (w *SettingsWatcher) Start() error {
	go w.eventLoop()
	slog.Info("SettingsWatcher started")
	return nil
}

func (w *SettingsWatcher) Stop() {
	w.Cancel()
	slog.Info("SettingsWatcher stopped")
}

func (w *SettingsWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case s := <-w.eventCh:
			w.notifyChange(s)
		}
	}
}

func (w *SettingsWatcher) notifyChange(s settings.Settings) {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll(MethodSettingsChanged, func(sub *Subscription) any {
		return rpc.SettingsChangedNotification{
			ID:       sub.ID,
			Settings: s,
		}
	})

	slog.Debug("notified settings change")
}

// Subscribe registers a subscriber and returns the subscription ID along with
// the current settings.
func (w *SettingsWatcher) Subscribe(notifier Notifier) (string, settings.Settings) {
	id := w.GenerateID()
	sub := &Subscription{
		ID:       id,
		Notifier: notifier,
	}
	w.AddSubscription(sub)

	return id, w.store.Get()
}

// OnSettingsChange implements settings.OnChangeListener.
// This method is called from the settings store's mutex, so it must not block.
func (w *SettingsWatcher) OnSettingsChange(s settings.Settings) {
	if w.Context().Err() != nil {
		return
	}

	select {
	case w.eventCh <- s:
	default:
		metrics.RecordFanoutDrop(MethodSettingsChanged)
		slog.Warn("settings change event dropped (buffer full)")
	}
}
