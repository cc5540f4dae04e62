package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yourusername/relayforge/internal/client"
	"github.com/yourusername/relayforge/internal/tracking"
)

// progressPrinter は送信の進捗を1行で上書き表示します。
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	name     string
	started  time.Time
	last     time.Time
	lastSent int64
	printed  bool
}

func newProgressPrinter(out io.Writer, name string) *progressPrinter {
	return &progressPrinter{out: out, name: name, started: time.Now()}
}

// Update は client.ProgressFunc として渡します。複数の goroutine から呼ばれます。
func (p *progressPrinter) Update(sent, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if sent < total && now.Sub(p.last) < 200*time.Millisecond {
		return
	}
	p.last = now
	p.lastSent = sent
	p.printed = true

	percent := 0
	if total > 0 {
		percent = int(sent * 100 / total)
	}
	rate := ""
	if elapsed := now.Sub(p.started).Seconds(); elapsed > 0.5 {
		rate = fmt.Sprintf(" %s/s", humanize.IBytes(uint64(float64(sent)/elapsed)))
	}
	fmt.Fprintf(p.out, "\r%s: %s / %s (%d%%)%s   ", p.name, humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)), percent, rate)
}

// Done は進捗行を確定させます。
func (p *progressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed {
		fmt.Fprintln(p.out)
		p.printed = false
	}
}

func statusLine(st *client.JobStatus) string {
	switch st.Status {
	case tracking.StatusQueued:
		if st.QueuePosition != nil {
			return fmt.Sprintf("待機中（%s番目）", humanize.Comma(int64(*st.QueuePosition)))
		}
		return "待機中"
	case tracking.StatusProcessing:
		if st.Stage != "" {
			return fmt.Sprintf("処理中 %d%% (%s)", st.Progress, st.Stage)
		}
		return fmt.Sprintf("処理中 %d%%", st.Progress)
	case tracking.StatusCompleted:
		return "完了"
	case tracking.StatusFailed:
		if st.Error != nil && st.Error.Message != "" {
			return "失敗: " + st.Error.Message
		}
		return "失敗"
	default:
		return st.Status
	}
}

func printResult(out io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Fprintln(out, string(result))
		return
	}
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(out, string(data))
}
