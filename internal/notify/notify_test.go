package notify

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	n.Info("docs", "Backup started")
	n.Progress("docs", "Backing up", 40)
	n.Error("docs", "Backup failed")

	out := buf.String()
	assert.Contains(t, out, "Backup started")
	assert.Contains(t, out, "percent=40")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "component=notify")
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	n.Success("a", "b")
}
