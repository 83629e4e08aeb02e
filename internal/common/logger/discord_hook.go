package logger

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/lc-server/internal/common/discord"
)

type discordAlert struct {
	level   string
	message string
}

// discordHook forwards error and fatal events to a Discord webhook from a
// background goroutine. Alerts are dropped when the queue is full.
type discordHook struct {
	client *discord.Client
	queue  chan discordAlert
}

func newDiscordHook(webhookURL string) *discordHook {
	h := &discordHook{
		client: discord.NewClient(webhookURL),
		queue:  make(chan discordAlert, 64),
	}
	go h.run()
	return h
}

func (h *discordHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.ErrorLevel || level == zerolog.NoLevel {
		return
	}

	alert := discordAlert{level: strings.ToUpper(level.String()), message: message}
	select {
	case h.queue <- alert:
	default:
	}
}

func (h *discordHook) run() {
	for alert := range h.queue {
		// Errors are ignored: logging them would feed back into this hook.
		_ = h.client.SendLogMessage(alert.level, alert.message, nil)
	}
}
