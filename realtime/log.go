package realtime

import (
	"github.com/golang/glog"
)

// Logging convention in the `realtime` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) connection data that is useful for monitoring
//     this includes:
//     - dial and auth failures, reconnects, exhausted reconnect attempts
//     - rejected channel joins
//     - optimistic rollbacks and watchdog timeouts
// Warning:
//     recovered panics from user callbacks
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - connect, disconnect, join, leave, track
// V(2):
//     frequent events - e.g. frames sent and received, typing refreshes -
//     and timing traces

// prefixes a tag to every line so the component can be filtered in the output
type tagLog struct {
	tag string
}

func newTagLog(tag string) *tagLog {
	return &tagLog{tag: tag}
}

func (self *tagLog) Infof(format string, a ...any) {
	glog.InfoDepth(1, sprintfTag(self.tag, format, a...))
}

func (self *tagLog) Warningf(format string, a ...any) {
	glog.WarningDepth(1, sprintfTag(self.tag, format, a...))
}

func (self *tagLog) V(level glog.Level) tagVerbose {
	return tagVerbose{
		enabled: bool(glog.V(level)),
		tag:     self.tag,
	}
}

type tagVerbose struct {
	enabled bool
	tag     string
}

func (self tagVerbose) Infof(format string, a ...any) {
	if self.enabled {
		glog.InfoDepth(1, sprintfTag(self.tag, format, a...))
	}
}
