// Package hvlog builds the per-subsystem structured loggers used across
// armvisor. It keeps an "always construct the message, gate on a level"
// texture but backs it with logrus so fields (vmid, vcpu_id, hno/vno,
// vmbox_id) are structured instead of interpolated into the message
// string.
package hvlog

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BootSessionID is stamped once at process start and attached to every
// subsystem logger so multi-run log aggregation can separate boot
// attempts. It has no protocol meaning.
var BootSessionID = uuid.NewString()

// New returns a logger for the named subsystem (e.g. "virq", "vmbox"),
// pre-populated with the boot session id.
func New(subsystem string) *logrus.Entry {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return base.WithFields(logrus.Fields{
		"subsystem": subsystem,
		"boot_id":   BootSessionID,
	})
}
