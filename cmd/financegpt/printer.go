package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/pkg/assembler"
)

// transcriptPrinter writes conversation snapshots to w incrementally: new
// messages are printed once and the growing assistant reply only prints its
// new suffix.
type transcriptPrinter struct {
	w         io.Writer
	showUsers bool

	mu      sync.Mutex
	total   int
	seen    int
	printed int
	midline bool
}

func newTranscriptPrinter(w io.Writer, showUsers bool) *transcriptPrinter {
	return &transcriptPrinter{w: w, showUsers: showUsers}
}

func (p *transcriptPrinter) update(msgs []assembler.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = len(msgs)
	for p.seen < len(msgs) {
		m := msgs[p.seen]
		if m.Role == assembler.RoleUser {
			p.endLine()
			if p.showUsers {
				fmt.Fprintln(p.w, m.Content)
			}
			p.next()
			continue
		}

		if len(m.Content) > p.printed {
			if !p.midline {
				fmt.Fprintf(p.w, "%s: ", chat.AssistantName)
				p.midline = true
			}
			fmt.Fprint(p.w, m.Content[p.printed:])
			p.printed = len(m.Content)
		}
		if p.seen == len(msgs)-1 {
			return
		}
		p.endLine()
		p.next()
	}
}

// flush ends the assistant reply being printed.
func (p *transcriptPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	if p.seen < p.total {
		p.next()
	}
}

// println prints a line that is not part of the conversation.
func (p *transcriptPrinter) println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	fmt.Fprintln(p.w, a...)
}

func (p *transcriptPrinter) endLine() {
	if p.midline {
		fmt.Fprintln(p.w)
		p.midline = false
	}
}

func (p *transcriptPrinter) next() {
	p.seen++
	p.printed = 0
}
