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

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/andreas-jonsson/risu/comm"
	"github.com/andreas-jonsson/risu/compare"
	"github.com/andreas-jonsson/risu/feed"
	"github.com/andreas-jonsson/risu/history"
	"github.com/andreas-jonsson/risu/monitor"
	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/trace"
	"github.com/andreas-jonsson/risu/version"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/spf13/afero"
)

var (
	host     = "localhost"
	port     = comm.DefaultPort
	archName = reginfo.AArch64.String()
)

var (
	feedInput,
	traceFile,
	captureFile,
	historyDB string
)

var (
	isMaster,
	showMonitor,
	ver bool
)

var listRuns int

var (
	fs        afero.Fs  = afero.NewOsFs()
	reportOut io.Writer = os.Stderr
)

func init() {
	if p, ok := os.LookupEnv("RISU_HOST"); ok {
		host = p
	}

	if p, ok := os.LookupEnv("RISU_PORT"); ok {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		} else {
			log.Print("invalid RISU_PORT: ", p)
		}
	}

	flag.BoolVar(&isMaster, "master", false, "Be the master (server)")
	flag.BoolVar(&ver, "v", false, "Print version information")
	flag.BoolVar(&showMonitor, "monitor", false, "Show live status in the terminal")

	flag.StringVar(&host, "host", host, "Master host to connect to (apprentice)")
	flag.IntVar(&port, "port", port, "Port to listen on or connect to")
	flag.StringVar(&archName, "arch", archName, "Target architecture")
	flag.StringVar(&feedInput, "feed", "", "Trap event feed to run")
	flag.StringVar(&traceFile, "trace", "", "Record to (master) or replay from (apprentice) a trace file instead of a socket")
	flag.StringVar(&captureFile, "capture", "", "Record every protocol packet to a pcap file")
	flag.StringVar(&historyDB, "history", "", "Record the run in a SQLite database")
	flag.IntVar(&listRuns, "runs", 0, "List the newest runs in the history database and exit")

	for _, arch := range reginfo.Archs() {
		for _, opt := range arch.Options() {
			flag.BoolVar(opt.Value, opt.Name, *opt.Value, opt.Usage)
		}
	}
}

// transport is one side of the protocol. Senders have a writer, responders
// a reader and a responder.
type transport struct {
	w    comm.PacketWriter
	r    comm.PacketReader
	resp comm.Responder

	closers []io.Closer
}

func (t *transport) sender() bool {
	return t.w != nil
}

func (t *transport) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil {
			log.Print(err)
		}
	}
}

// openTransport picks the channel for the role. Over a socket the master
// responds, over a trace file the master records and the apprentice replays.
func openTransport(arch reginfo.Arch) (*transport, error) {
	t := &transport{}
	switch {
	case traceFile != "" && isMaster:
		w, err := trace.Create(fs, traceFile)
		if err != nil {
			return nil, err
		}
		t.w = w
		t.closers = append(t.closers, w)
	case traceFile != "":
		r, err := trace.Open(fs, traceFile)
		if err != nil {
			return nil, err
		}
		t.r, t.resp = r, r
		t.closers = append(t.closers, r)
	case isMaster:
		ch := comm.ConnectMaster(port)
		t.r, t.resp = ch, ch
		t.closers = append(t.closers, ch)
	default:
		ch := comm.ConnectApprentice(host, port)
		t.w = ch
		t.closers = append(t.closers, ch)
	}

	if captureFile != "" {
		c, err := wire.NewCapture(fs, captureFile, uint8(arch), arch.PointerSize())
		if err != nil {
			t.Close()
			return nil, err
		}
		t.closers = append(t.closers, c)

		tap := &wire.Tap{Capture: c, W: t.w, R: t.r, Resp: t.resp}
		if t.sender() {
			t.w = tap
		} else {
			t.r, t.resp = tap, tap
		}
	}
	return t, nil
}

func printHistory(w io.Writer) error {
	db, err := history.Open(historyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Recent(listRuns)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s %-10s %-7s %-10s %8d  %s %s\n", r.Timestamp.Format(time.RFC3339), r.Role, r.Arch, r.Verdict, r.Checkpoints, r.Mismatch, r.Feed)
	}
	return nil
}

func recordHistory(s *compare.Session, v wire.Verdict) {
	if historyDB == "" {
		return
	}

	db, err := history.Open(historyDB)
	if err != nil {
		log.Print(err)
		return
	}
	defer db.Close()

	err = db.Record(history.Run{
		Timestamp:   time.Now(),
		Arch:        s.Arch.String(),
		Role:        s.Role.String(),
		Checkpoints: s.Checkpoints,
		Verdict:     v.String(),
		Mismatch:    s.MismatchKind(),
		Feed:        feedInput,
	})
	if err != nil {
		log.Print(err)
	}
}

func run() int {
	if feedInput == "" {
		log.Fatal("no trap event feed, see -feed")
	}

	arch, err := reginfo.ParseArch(archName)
	if err != nil {
		log.Fatal(err)
	}

	f, err := feed.Open(fs, feedInput)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	if f.Arch != arch {
		log.Fatalf("feed is for %v, not %v", f.Arch, arch)
	}

	role := compare.Apprentice
	if isMaster {
		role = compare.Master
	}
	s := compare.NewSession(role, arch, f.ImageBase)

	t, err := openTransport(arch)
	if err != nil {
		log.Fatal(err)
	}
	defer t.Close()

	var (
		screen *monitor.Screen
		logBuf bytes.Buffer
	)
	if showMonitor && monitor.Enabled() {
		if screen, err = monitor.NewScreen(nil); err != nil {
			log.Fatal(err)
		}

		// Keep the log away from the screen until the view is gone.
		log.SetOutput(&logBuf)
		defer func() {
			log.SetOutput(os.Stderr)
			os.Stderr.Write(logBuf.Bytes())
		}()
	}

	progress := !t.sender() || traceFile != ""
	v, err := f.Run(func(uc reginfo.Context) (wire.Verdict, error) {
		var (
			v   wire.Verdict
			err error
		)
		if t.sender() {
			v, err = s.Send(t.w, uc)
		} else {
			v, err = s.RecvAndCompare(t.r, t.resp, uc)
		}

		if progress {
			monitor.ReportProgress(s.Checkpoints)
		}
		if screen != nil {
			local := s.Local()
			screen.Update(monitor.Status{
				Role:        role.String(),
				Arch:        arch,
				Checkpoints: s.Checkpoints,
				PC:          local.PC(),
				Op:          local.Op(),
				Verdict:     v,
			})
		}
		return v, err
	})

	if screen != nil {
		screen.Close()
	}
	recordHistory(s, v)

	if err != nil {
		log.Print(err)
		return 1
	}

	switch {
	case traceFile != "" && isMaster:
		log.Printf("trace complete after %d checkpoints", s.Checkpoints)
		return 0
	case t.sender():
		if v != wire.EndOfTest {
			log.Printf("apprentice: mismatch after %d checkpoints", s.Checkpoints)
			return 1
		}
		return 0
	}

	if s.Report(reportOut) {
		return 1
	}
	return 0
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	if ver {
		fmt.Println(version.Banner())
		return
	}

	if listRuns > 0 {
		if historyDB == "" {
			log.Fatal("no history database, see -history")
		}
		if err := printHistory(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	os.Exit(run())
}
