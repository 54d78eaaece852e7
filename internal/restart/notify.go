package restart

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// Notifier reports daemon state to systemd. Outside a notify unit every
// call is a no-op.
type Notifier struct {
	Log logrus.FieldLogger
}

// Ready signals that the service accepts updates.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping signals shutdown.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// PublishStatus mirrors the update status into the unit status line.
func (n *Notifier) PublishStatus(status protocol.Status) error {
	n.send(fmt.Sprintf("STATUS=update %s %d%%", ota.State(status.State), status.Progress))
	return nil
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && n.Log != nil {
		n.Log.WithError(err).Debug("sd_notify failed")
		return
	}
	if sent && n.Log != nil {
		n.Log.WithField("state", state).Debug("notified systemd")
	}
}
