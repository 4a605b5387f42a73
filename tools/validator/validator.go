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
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/andreas-jonsson/risu/comm"
	"github.com/andreas-jonsson/risu/compare"
	"github.com/andreas-jonsson/risu/feed"
	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/spf13/afero"
)

var (
	masterInput     = "master.feed"
	apprenticeInput = "apprentice.feed"
)

func init() {
	flag.StringVar(&masterInput, "master", masterInput, "Trap events of the reference CPU")
	flag.StringVar(&apprenticeInput, "apprentice", apprenticeInput, "Trap events of the CPU under test")
}

// validate runs both feeds against each other in lockstep, in process, and
// reports the outcome to w. It returns true if the apprentice diverged.
func validate(w io.Writer, mf, af *feed.Feed) (bool, error) {
	if mf.Arch != af.Arch {
		return true, fmt.Errorf("architecture mismatch: %v/%v", mf.Arch, af.Arch)
	}

	a, b := net.Pipe()
	mc, ac := comm.NewChannel(a), comm.NewChannel(b)
	defer mc.Close()
	defer ac.Close()

	// Transport errors are returned instead of terminating the process.
	// The first side to fail closes its end, which fails the peer the same
	// way a process exit would.
	var (
		once  sync.Once
		first error
	)
	fail := func(ch *comm.Channel, err error) {
		once.Do(func() { first = err })
		ch.Close()
	}
	mc.Fatal = func(v ...interface{}) {}
	ac.Fatal = mc.Fatal

	ms := compare.NewSession(compare.Master, mf.Arch, mf.ImageBase)
	as := compare.NewSession(compare.Apprentice, af.Arch, af.ImageBase)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := af.Run(func(uc reginfo.Context) (wire.Verdict, error) {
			return as.Send(ac, uc)
		})
		if err != nil {
			fail(ac, err)
		}
	}()

	_, err := mf.Run(func(uc reginfo.Context) (wire.Verdict, error) {
		return ms.RecvAndCompare(mc, mc, uc)
	})
	if err != nil {
		fail(mc, err)
	}
	<-done

	if first != nil {
		return true, first
	}

	fmt.Fprintf(w, "%d checkpoints\n", ms.Checkpoints)
	return ms.Report(w), nil
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	fs := afero.NewOsFs()
	mf, err := feed.Open(fs, masterInput)
	if err != nil {
		log.Fatal(err)
	}
	defer mf.Close()

	af, err := feed.Open(fs, apprenticeInput)
	if err != nil {
		log.Fatal(err)
	}
	defer af.Close()

	failed, err := validate(os.Stdout, mf, af)
	if err != nil {
		log.Fatal(err)
	}
	if failed {
		os.Exit(1)
	}
}
