// internal/agent/agent.go
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/signalnine/ipwatch/internal/config"
	"github.com/signalnine/ipwatch/internal/protocol"
)

// IngestPath is the server endpoint batches are posted to
const IngestPath = "/api/logs/ingest"

// Agent tails a log file and ships entries to the ipwatch server
type Agent struct {
	cfg    *config.AgentConfig
	client *http.Client

	// poll switches the tailer from inotify to polling
	poll bool

	pending []protocol.LogEntry
	// offset just past the last line read
	pendingOffset int64
	savedOffset   int64
}

// New creates a new agent
func New(cfg *config.AgentConfig) *Agent {
	transport := &http.Transport{}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Agent{
		cfg: cfg,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Run tails the log file until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	location := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	offset, ok, err := ReadOffset(a.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if ok {
		location = &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
		a.savedOffset = offset
	}

	t, err := tail.TailFile(a.cfg.LogFile, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      a.poll,
		Location:  location,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", a.cfg.LogFile, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	log.Info().
		Str("file", a.cfg.LogFile).
		Str("server", a.cfg.ServerURL).
		Str("monitored_ip", a.cfg.MonitoredIP).
		Bool("resumed", ok).
		Int64("offset", offset).
		Msg("agent started")

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent shutting down")
			a.flush(context.Background())
			return nil
		case <-ticker.C:
			a.flush(ctx)
		case line, open := <-t.Lines:
			if !open {
				a.flush(context.Background())
				return t.Err()
			}
			if line.Err != nil {
				log.Warn().Err(line.Err).Msg("error reading line")
				continue
			}
			a.add(line.Text, line.SeekInfo.Offset)
			if len(a.pending) >= a.cfg.BatchSize {
				a.flush(ctx)
			}
		}
	}
}

// add queues one line; lineEnd is the file offset just past it
func (a *Agent) add(text string, lineEnd int64) {
	a.pendingOffset = lineEnd

	entry, ok := BuildEntry(a.cfg.MonitoredIP, text)
	if !ok {
		log.Debug().Str("line", text).Msg("no source IP in line, skipped")
		return
	}

	var dropped int
	a.pending, dropped = CapPending(append(a.pending, entry))
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("pending buffer full, oldest entries dropped")
	}
}

// flush ships pending entries and records the offset. On failure the batch
// is kept for the next attempt.
func (a *Agent) flush(ctx context.Context) {
	if len(a.pending) == 0 {
		a.saveOffset()
		return
	}

	n := len(a.pending)
	if err := a.send(ctx, a.pending); err != nil {
		log.Error().Err(err).Int("entries", n).Msg("send failed, will retry")
		return
	}
	log.Info().Int("entries", n).Msg("shipped log entries")

	a.pending = nil
	a.saveOffset()
}

func (a *Agent) saveOffset() {
	if a.pendingOffset == 0 || a.pendingOffset == a.savedOffset {
		return
	}
	if err := WriteOffset(a.cfg.StateFile, a.pendingOffset); err != nil {
		log.Error().Err(err).Str("state_file", a.cfg.StateFile).Msg("write state failed")
		return
	}
	a.savedOffset = a.pendingOffset
}

func (a *Agent) send(ctx context.Context, entries []protocol.LogEntry) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(a.cfg.ServerURL, "/") + IngestPath
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
