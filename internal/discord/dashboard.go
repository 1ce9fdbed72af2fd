package discord

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/internal/ingest"
	"github.com/feldrow/engram/internal/queue"
	"github.com/feldrow/engram/internal/serverconfig"
)

// dashboardInterval is how often the live embed refreshes.
const dashboardInterval = 10 * time.Second

// VoiceCounter reports the number of live voice sessions for the dashboard.
type VoiceCounter interface {
	ActiveSessions() int
}

// Dashboard maintains a live ingest status embed in a configured channel.
// The embed is posted once and then edited in place on a ticker, so the
// channel holds exactly one continuously updated message.
type Dashboard struct {
	session  Session
	channel  string
	queue    *queue.Queue
	stats    *ingest.Stats
	voice    VoiceCounter
	registry *serverconfig.Registry
	log      *slog.Logger

	startedAt time.Time
	messageID string

	done     chan struct{}
	stopOnce sync.Once
}

// NewDashboard creates a Dashboard posting to channelID. voice may be nil
// when voice capture is disabled.
func NewDashboard(session Session, channelID string, q *queue.Queue, stats *ingest.Stats, voice VoiceCounter, registry *serverconfig.Registry, log *slog.Logger) *Dashboard {
	if log == nil {
		log = slog.Default()
	}
	return &Dashboard{
		session:  session,
		channel:  channelID,
		queue:    q,
		stats:    stats,
		voice:    voice,
		registry: registry,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the refresh loop. It returns immediately; call Stop to end
// the loop and leave a final "offline" edit behind.
func (d *Dashboard) Start() {
	d.startedAt = time.Now()
	go d.run()
}

// Stop ends the refresh loop. Safe to call more than once.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *Dashboard) run() {
	d.refresh()

	ticker := time.NewTicker(dashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			d.markOffline()
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

// refresh renders the embed and pushes it, sending on the first round and
// editing afterwards.
func (d *Dashboard) refresh() {
	embed := d.render()

	if d.messageID == "" {
		msg, err := d.session.ChannelMessageSendEmbed(d.channel, embed)
		if err != nil {
			d.log.Warn("dashboard post failed", "channel_id", d.channel, "error", err)
			return
		}
		d.messageID = msg.ID
		return
	}

	if _, err := d.session.ChannelMessageEditEmbed(d.channel, d.messageID, embed); err != nil {
		d.log.Warn("dashboard edit failed", "channel_id", d.channel, "error", err)
		// The message may have been deleted by a moderator; repost next time.
		d.messageID = ""
	}
}

// markOffline leaves a final edit so the embed does not look live after
// shutdown.
func (d *Dashboard) markOffline() {
	if d.messageID == "" {
		return
	}
	embed := d.render()
	embed.Title = "engram — offline"
	embed.Color = 0x99aab5
	if _, err := d.session.ChannelMessageEditEmbed(d.channel, d.messageID, embed); err != nil {
		d.log.Warn("dashboard offline edit failed", "channel_id", d.channel, "error", err)
	}
}

func (d *Dashboard) render() *discordgo.MessageEmbed {
	snap := d.stats.Snapshot()
	qs := d.queue.Stats()

	fields := []*discordgo.MessageEmbedField{
		{
			Name: "Ingest",
			Value: fmt.Sprintf("indexed %d · skipped %d · failed %d",
				snap.Totals.Indexed, snap.Totals.Skipped, snap.Totals.Failed),
			Inline: true,
		},
		{
			Name: "Queue",
			Value: fmt.Sprintf("%d waiting · %d active · %d done · %d failed",
				qs.Queued, qs.Active, qs.Completed, qs.Failed),
			Inline: true,
		},
		{
			Name:   "Servers",
			Value:  fmt.Sprintf("%d configured", len(d.registry.ServerIDs())),
			Inline: true,
		},
	}

	if d.voice != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Voice",
			Value:  fmt.Sprintf("%d active sessions", d.voice.ActiveSessions()),
			Inline: true,
		})
	}

	if stages := renderStages(snap.Stages); stages != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Stage latency (p50 / p95)",
			Value: stages,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  "engram — live",
		Color:  0x5865f2,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("up %s", time.Since(d.startedAt).Round(time.Second)),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// renderStages formats the per-stage latency percentiles, one line per
// stage, stages sorted by name.
func renderStages(stages map[string]ingest.Percentiles) string {
	if len(stages) == 0 {
		return ""
	}
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		p := stages[name]
		fmt.Fprintf(&b, "%s: %s / %s (%d samples)\n",
			name, p.P50.Round(time.Millisecond), p.P95.Round(time.Millisecond), p.Samples)
	}
	return strings.TrimRight(b.String(), "\n")
}
