// Package commands answers the bot's chat commands.
package commands

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Prefix is the first word of every command.
const Prefix = "/dank"

// ComingSoon answers any command that is not known yet.
const ComingSoon = "Don't worry, **Dank** commands are coming soon!"

const helpText = "/help or help :: Responds with this help message.\n" +
	"/uptime       :: Responds with the Dank service uptime."

// Processor turns message content into a reply.
type Processor struct {
	started time.Time
	now     func() time.Time
}

// New creates a Processor that reports uptime since started.
func New(started time.Time) *Processor {
	return &Processor{started: started, now: time.Now}
}

// Process returns the reply to content, or false if content is not a command.
func (p *Processor) Process(content string) (string, bool) {
	parts := strings.Fields(content)
	if len(parts) < 2 || parts[0] != Prefix {
		return "", false
	}

	switch parts[1] {
	case "/uptime":
		return "The **Dank** service has been running for " + p.uptimeMinutes() + " minutes.", true
	case "/help", "help":
		return fixedWidth(helpText), true
	default:
		return ComingSoon, true
	}
}

func (p *Processor) uptimeMinutes() string {
	minutes := p.now().Sub(p.started).Minutes()
	return strconv.FormatFloat(math.Round(minutes*100)/100, 'f', -1, 64)
}

func fixedWidth(s string) string {
	return "```\n" + s + "\n```"
}
