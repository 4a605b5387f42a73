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

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in       string
		expected [4]string
	}{
		{"1.2.3.0", [4]string{"1", "2", "3", ""}},
		{"1.2.3.4", [4]string{"1", "2", "3", "4"}},
		{"1.2", [4]string{"0", "1", "0", ""}},
	}
	for _, tt := range tests {
		var got [4]string
		copy(got[:], parseVersion(tt.in))
		if got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.in, tt.expected, got)
		}
	}
}

func TestCopyright(t *testing.T) {
	if s := copyright(2021); s != "Copyright (c) 2021 Andreas T Jonsson" {
		t.Errorf("unexpected copyright: %s", s)
	}
	if s := copyright(2023); s != "Copyright (c) 2021-2023 Andreas T Jonsson" {
		t.Errorf("unexpected copyright: %s", s)
	}
}
