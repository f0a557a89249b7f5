package wechat

import (
	"testing"

	"github.com/imbridge/imbridge/internal/bridge"
)

func TestGroupSenderPrefixStripping(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"@3f2a9bc1:<br/>hello there": "hello there",
		"@3f2a9bc1:\nhello there":    "hello there",
		"hello there":                "hello there",
		"email me at a@b.com":        "email me at a@b.com",
	}
	for in, want := range cases {
		if got := groupSenderPrefix.ReplaceAllString(in, ""); got != want {
			t.Fatalf("%q: got %q, want %q", in, got, want)
		}
	}
}

func TestMentionNames(t *testing.T) {
	t.Parallel()

	session := NewSession(nil)
	in := NewInbound(session, bridge.Policy{}, nil, "Helper", nil)

	names := in.mentionNames()
	if len(names) != 1 || names[0] != "Helper" {
		t.Fatalf("unexpected names: %v", names)
	}
}
