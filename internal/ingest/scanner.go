package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// discordEpochMs is the Discord snowflake epoch (2015-01-01T00:00:00Z) in
// milliseconds.
const discordEpochMs = 1420070400000

// defaultPageSize is the history page size, the Discord API maximum.
const defaultPageSize = 100

// HistorySource provides channel listings and message history pages. The
// Discord adapter implements it over the bot session.
type HistorySource interface {
	// TextChannels lists the text channels of a guild the bot can read.
	TextChannels(guildID string) ([]ChannelRef, error)

	// MessagesAfter returns up to limit messages posted strictly after the
	// afterID snowflake, in chronological order. afterID "0" starts from the
	// beginning of the channel.
	MessagesAfter(ctx context.Context, guildID string, channel ChannelRef, afterID string, limit int) ([]RawMessage, error)
}

// Scanner replays channel history through the pipeline, resuming each server
// strictly after its newest indexed timestamp.
type Scanner struct {
	pipeline *Pipeline
	source   HistorySource
	pageSize int
}

// ScannerOption configures a [Scanner].
type ScannerOption func(*Scanner)

// WithPageSize overrides the history page size. Values outside 1..100 are
// ignored; 100 is the Discord API maximum.
func WithPageSize(n int) ScannerOption {
	return func(s *Scanner) {
		if n >= 1 && n <= defaultPageSize {
			s.pageSize = n
		}
	}
}

// NewScanner creates a backfill [Scanner] feeding the given pipeline.
func NewScanner(pipeline *Pipeline, source HistorySource, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		pipeline: pipeline,
		source:   source,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run backfills every configured server. Per-server failures are logged and
// do not abort the other servers; the returned error is only for context
// cancellation.
func (s *Scanner) Run(ctx context.Context) error {
	for _, serverID := range s.pipeline.registry.ServerIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.pipeline.registry.IsPaused(serverID) {
			continue
		}
		if err := s.scanServer(ctx, serverID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.pipeline.log.Error("backfill failed", "server_id", serverID, "error", err)
		}
	}
	return nil
}

// scanServer backfills one server across all its text channels.
func (s *Scanner) scanServer(ctx context.Context, serverID string) error {
	afterID, full, err := s.resumeCursor(ctx, serverID)
	if err != nil {
		return err
	}

	channels, err := s.source.TextChannels(serverID)
	if err != nil {
		return fmt.Errorf("ingest: list channels for server %s: %w", serverID, err)
	}

	s.pipeline.log.Info("backfill starting",
		"server_id", serverID,
		"channels", len(channels),
		"full_scan", full,
	)

	var indexed, failed int
	for _, ch := range channels {
		n, f, err := s.scanChannel(ctx, serverID, ch, afterID)
		indexed += n
		failed += f
		if err != nil {
			return err
		}
		if s.pipeline.registry.IsPaused(serverID) {
			s.pipeline.log.Warn("backfill stopped, server paused", "server_id", serverID)
			break
		}
	}

	s.pipeline.log.Info("backfill finished",
		"server_id", serverID,
		"indexed", indexed,
		"failed", failed,
	)
	return nil
}

// scanChannel pages through one channel from afterID to the present.
func (s *Scanner) scanChannel(ctx context.Context, serverID string, ch ChannelRef, afterID string) (indexed, failed int, err error) {
	cursor := afterID
	for {
		if err := ctx.Err(); err != nil {
			return indexed, failed, err
		}

		page, err := s.source.MessagesAfter(ctx, serverID, ch, cursor, s.pageSize)
		if err != nil {
			return indexed, failed, fmt.Errorf("ingest: fetch history for channel %s: %w", ch.ID, err)
		}
		if len(page) == 0 {
			return indexed, failed, nil
		}

		for _, res := range s.pipeline.Process(ctx, page) {
			switch res.Status {
			case StatusIndexed:
				indexed++
			case StatusFailed:
				failed++
			}
		}
		if s.pipeline.registry.IsPaused(serverID) {
			return indexed, failed, nil
		}

		cursor = page[len(page)-1].MessageID
		if len(page) < s.pageSize {
			return indexed, failed, nil
		}
	}
}

// resumeCursor decides where a server's backfill starts: a full scan from
// snowflake "0" when the collection is absent, empty, or has no parseable
// timestamp, otherwise strictly after the newest indexed timestamp.
func (s *Scanner) resumeCursor(ctx context.Context, serverID string) (afterID string, fullScan bool, err error) {
	ts, ok, err := s.pipeline.vectors.LatestTimestamp(ctx, serverID)
	if err != nil {
		return "", false, fmt.Errorf("ingest: resume cursor for server %s: %w", serverID, err)
	}
	if !ok {
		return "0", true, nil
	}
	return snowflakeFromTime(ts), false, nil
}

// snowflakeFromTime converts a timestamp to the smallest Discord snowflake
// with that timestamp. Times before the Discord epoch map to "0".
func snowflakeFromTime(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMs
	if ms < 0 {
		return "0"
	}
	return strconv.FormatInt(ms<<22, 10)
}
