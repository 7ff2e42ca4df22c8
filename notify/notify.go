// Package notify raises desktop notifications for failures worth a
// user's attention.
package notify

import (
	"context"
	"os/exec"

	"github.com/quay/zlog"
)

// Notifier delivers a short message to the user outside the terminal.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Desktop delivers via notify-send. Delivery is best-effort: a missing
// binary or a headless session is logged and otherwise ignored.
type Desktop struct{}

func (Desktop) Notify(ctx context.Context, title, body string) {
	ctx = zlog.ContextWithValues(ctx, "component", "notify/Desktop.Notify")
	bin, err := exec.LookPath("notify-send")
	if err != nil {
		zlog.Debug(ctx).Msg("notify-send not present, skipping notification")
		return
	}
	cmd := exec.CommandContext(ctx, bin, "--urgency=normal", "--app-name=appupd", title, body)
	if err := cmd.Run(); err != nil {
		zlog.Debug(ctx).Err(err).Msg("notification failed")
	}
}

// Nop discards notifications. Used for dry runs and tests.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}
