package logstream

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSplitBlocks(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Blocks
	}{
		{"plain", "hello world", Blocks{{Text: "hello world"}}},
		{"colored", "\x1b[32mok\x1b[39m done", Blocks{{Text: "ok", Color: "\x1b[32m"}, {Text: " done", Color: "\x1b[39m"}}},
		{"whitespace dropped", "\x1b[31m \x1b[0mtail", Blocks{{Text: "tail", Color: "\x1b[0m"}}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitBlocks(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("block %d = %#v, want %#v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBlocks_WireForm(t *testing.T) {
	b := Blocks{{Text: "a", Color: "\x1b[32m"}, {Text: "b"}}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"text1":{"text":"a"`) || !strings.Contains(string(data), `"text2":{"text":"b","color":""}`) {
		t.Fatalf("wire form = %s", data)
	}

	var back Blocks
	in := `{"text2":{"text":"b","color":""},"text10":"j","text1":{"text":"a","color":"x"}}`
	if err := json.Unmarshal([]byte(in), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back) != 3 || back[0].Text != "a" || back[1].Text != "b" || back[2].Text != "j" {
		t.Fatalf("decoded %#v, want numeric key order", back)
	}
}

func TestRecord_Text(t *testing.T) {
	if (Record{Raw: "r", Content: "c"}).Text() != "r" {
		t.Fatal("raw should win")
	}
	if (Record{Content: "c"}).Text() != "c" {
		t.Fatal("content fallback")
	}
	if (Record{Blocks: Blocks{{Text: "x"}, {Text: "y"}}}).Text() != "x y" {
		t.Fatal("blocks fallback")
	}
}

func TestContentID_IgnoresColor(t *testing.T) {
	if ContentID("\x1b[33mwarn\x1b[39m") != ContentID("warn") {
		t.Fatal("ANSI codes changed the content id")
	}
	if len(ContentID("x")) != 32 {
		t.Fatal("content id is not md5 hex")
	}
}

func TestJoinParts(t *testing.T) {
	got := joinParts([]any{"[stdinAdapter]", "sendMsg", map[string]any{"a": 1}, 3, []byte("raw")})
	want := `[stdinAdapter] sendMsg {"a":1} 3 raw`
	if got != want {
		t.Fatalf("joinParts = %q, want %q", got, want)
	}
}

func TestLevels(t *testing.T) {
	for i, l := range Levels {
		if l.Rank() != i {
			t.Fatalf("%s rank = %d, want %d", l, l.Rank(), i)
		}
		if FromSlog(l.Slog()) != l {
			t.Fatalf("slog round trip of %s = %s", l, FromSlog(l.Slog()))
		}
	}
	if FromSlog(slog.Level(-6)) != LevelDebug {
		t.Fatal("level between trace and debug should map to debug")
	}
	if l, ok := ParseLevel("LOG"); !ok || l != LevelInfo {
		t.Fatalf("ParseLevel(LOG) = %q, %v", l, ok)
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("unknown level accepted")
	}
}
