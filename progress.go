package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/colorstring"
	"github.com/rivo/uniseg"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/gobit/gobit/torrent"
)

const maxNameWidth = 40

// progressObserver renders a single torrent's download progress to a
// terminal using a live bar whose colored description shows the name,
// peer count, and humanized download rate. The reported state is not
// displayed. It implements torrent.Observer.
type progressObserver struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	name     string
	total    int64
	lastSeen time.Time
	lastDone int64
}

func newProgressObserver(name string, total int64, out io.Writer) *progressObserver {
	p := &progressObserver{
		name:     truncateName(name, terminalWidth()),
		total:    total,
		lastSeen: time.Now(),
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(p.name),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(out, "\n") }),
	)
	return p
}

// OnTorrentState implements torrent.Observer.
func (p *progressObserver) OnTorrentState(infoHash [20]byte, state torrent.State, downloaded, total, uploaded int64, numPeers int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.lastSeen).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(downloaded-p.lastDone) / elapsed
	}
	p.lastSeen = now
	p.lastDone = downloaded

	p.bar.Describe(colorstring.Color(fmt.Sprintf(
		"[blue]%s[reset] [%d peers, %s/s]",
		p.name, numPeers, humanize.Bytes(uint64(rate)),
	)))
	p.bar.Set64(downloaded)
}

func (p *progressObserver) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Close()
}

// truncateName shortens name to fit width terminal columns, counting
// grapheme clusters rather than bytes or runes so multi-byte names don't
// overflow a narrow terminal.
func truncateName(name string, width int) string {
	budget := width - 20
	if budget < maxNameWidth {
		budget = maxNameWidth
	}
	if uniseg.StringWidth(name) <= budget {
		return name
	}
	g := uniseg.NewGraphemes(name)
	var out []rune
	w := 0
	for g.Next() {
		cw := uniseg.StringWidth(g.Str())
		if w+cw > budget-1 {
			break
		}
		out = append(out, g.Runes()...)
		w += cw
	}
	return string(out) + "…"
}

func terminalWidth() int {
	w, _, err := term.GetSize(0)
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
