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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andreas-jonsson/risu/feed"
)

// A compare followed by a testend at 0x10000.
const program = `{"arch":"riscv64","image_base":65536,"memory":[{"addr":65536,"data":"awAAAGsBAAA="}]}
{"context":{"regs":[65536,1,0,0,0,5]}}
{"context":{}}
`

func newFeed(t *testing.T, s string) *feed.Feed {
	t.Helper()
	f, err := feed.NewFeed(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestValidate(t *testing.T) {
	var out bytes.Buffer
	failed, err := validate(&out, newFeed(t, program), newFeed(t, program))
	if err != nil {
		t.Fatal(err)
	}
	if failed {
		t.Errorf("expected a match:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "2 checkpoints") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestValidateMismatch(t *testing.T) {
	var out bytes.Buffer
	failed, err := validate(&out, newFeed(t, program), newFeed(t, strings.Replace(program, "0,5]", "0,6]", 1)))
	if err != nil {
		t.Fatal(err)
	}
	if !failed {
		t.Error("expected a mismatch")
	}
	if !strings.Contains(out.String(), "mismatch on regs!") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

// A compare with no testend after it.
const unfinished = `{"arch":"riscv64","image_base":65536,"memory":[{"addr":65536,"data":"awAAAGsBAAA="}]}
{"context":{"regs":[65536,1,0,0,0,5]}}
`

func validateWithTimeout(t *testing.T, mf, af *feed.Feed) error {
	t.Helper()

	res := make(chan error, 1)
	go func() {
		_, err := validate(&bytes.Buffer{}, mf, af)
		res <- err
	}()

	select {
	case err := <-res:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("validation never finished")
		return nil
	}
}

func TestValidateShortApprentice(t *testing.T) {
	err := validateWithTimeout(t, newFeed(t, program), newFeed(t, unfinished))
	if !errors.Is(err, feed.ErrNoTestEnd) {
		t.Errorf("expected the apprentice feed to end early, got %v", err)
	}
}

func TestValidateShortMaster(t *testing.T) {
	err := validateWithTimeout(t, newFeed(t, unfinished), newFeed(t, program))
	if !errors.Is(err, feed.ErrNoTestEnd) {
		t.Errorf("expected the master feed to end early, got %v", err)
	}
}

func TestValidateArch(t *testing.T) {
	other := strings.Replace(program, "riscv64", "ppc64le", 1)
	if _, err := validate(&bytes.Buffer{}, newFeed(t, program), newFeed(t, other)); err == nil {
		t.Error("expected an error")
	}
}
