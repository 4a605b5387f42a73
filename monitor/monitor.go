/*
Copyright (c) 2021 Andreas T Jonsson

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

package monitor

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/gdamore/tcell"
	"golang.org/x/term"
)

const ProgressInterval = 100

// ReportProgress logs a line for every ProgressInterval checkpoints.
func ReportProgress(checkpoints int) {
	if checkpoints > 0 && checkpoints%ProgressInterval == 0 {
		log.Printf("executed %d checkpoints", checkpoints)
	}
}

// Enabled reports whether there is a terminal to draw the status view on.
func Enabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

type Status struct {
	Role        string
	Arch        reginfo.Arch
	Checkpoints int
	PC          uint64
	Op          reginfo.Op
	Verdict     wire.Verdict
}

func (st Status) lines() []string {
	return []string{
		fmt.Sprintf("risu %s (%v)", st.Role, st.Arch),
		"",
		fmt.Sprintf("checkpoints: %d", st.Checkpoints),
		fmt.Sprintf("pc:          0x%x", st.PC),
		fmt.Sprintf("op:          %v", st.Op),
		fmt.Sprintf("verdict:     %v", st.Verdict),
	}
}

// Screen is a live status view. Updates never block the caller, the view
// is redrawn from its own event loop.
type Screen struct {
	sync.Mutex

	status Status
	screen tcell.Screen
	done   chan struct{}
}

// NewScreen takes over the terminal. If s is nil the default screen is used.
func NewScreen(s tcell.Screen) (*Screen, error) {
	if s == nil {
		tcell.SetEncodingFallback(tcell.EncodingFallbackASCII)

		var err error
		if s, err = tcell.NewScreen(); err != nil {
			return nil, err
		}
	}
	if err := s.Init(); err != nil {
		return nil, err
	}

	s.HideCursor()
	s.DisableMouse()
	s.Clear()

	m := &Screen{screen: s, done: make(chan struct{})}
	go m.eventLoop()
	return m, nil
}

func (m *Screen) eventLoop() {
	defer close(m.done)
	for {
		switch m.screen.PollEvent().(type) {
		case nil:
			return
		case *tcell.EventResize:
			m.screen.Sync()
			m.draw()
		case *tcell.EventInterrupt:
			m.draw()
		}
	}
}

func (m *Screen) draw() {
	m.Lock()
	st := m.status
	m.Unlock()

	s := m.screen
	s.Clear()
	for y, ln := range st.lines() {
		for x, r := range ln {
			s.SetContent(x, y, r, nil, tcell.StyleDefault)
		}
	}
	s.Show()
}

func (m *Screen) Update(st Status) {
	m.Lock()
	m.status = st
	m.Unlock()

	// A full event queue only means a redraw is already pending.
	m.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

func (m *Screen) Close() {
	m.screen.Fini()
	<-m.done
}
