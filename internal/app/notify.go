package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"autobot/pkg/logx"
)

// sdNotify reports state to systemd when running as a notify unit. Outside
// systemd it does nothing.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("systemd notified", logx.String("state", state))
	}
}
