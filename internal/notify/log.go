package notify

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the process log
type LogNotifier struct {
	entry *log.Entry
}

// NewLogNotifier creates a notifier logging through entry (nil uses the
// standard logger)
func NewLogNotifier(entry *log.Entry) *LogNotifier {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &LogNotifier{entry: entry}
}

// Send logs n at a level matching its type
func (l *LogNotifier) Send(n Notification) error {
	entry := l.entry.WithField("title", n.Title)
	if n.JobID != "" {
		entry = entry.WithField("job", n.JobID)
	}
	if n.ReportURL != "" {
		entry = entry.WithField("report", n.ReportURL)
	}
	for _, f := range n.Fields {
		entry = entry.WithField(strings.ToLower(strings.ReplaceAll(f.Name, " ", "_")), f.Value)
	}
	entry.Log(LevelForType(n.Type), n.Message)
	return nil
}

// LevelForType maps a notification type to a log level
func LevelForType(t NotificationType) log.Level {
	switch t {
	case NotifyError:
		return log.ErrorLevel
	case NotifyWarning:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}
