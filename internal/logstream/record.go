package logstream

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// TimestampLayout is the record timestamp format (YYYY-MM-DD HH:mm:ss.SSS).
const TimestampLayout = "2006-01-02 15:04:05.000"

// Record is one captured log line. Records are never mutated after creation.
type Record struct {
	ID        string `json:"id"`
	Level     Level  `json:"level"`
	Timestamp string `json:"timestamp"`

	// Bracketed fields of the raw text, e.g. "[YzBot][12:00:00.000][INFO]".
	Source string `json:"source,omitempty"`
	Module string `json:"module,omitempty"`
	Count  string `json:"count,omitempty"`
	Size   string `json:"size,omitempty"`
	Time   string `json:"time,omitempty"`

	Raw     string `json:"raw,omitempty"`
	Content string `json:"content,omitempty"`
	Blocks  Blocks `json:"blocks,omitempty"`
}

// Text returns the record's message, falling back from Raw to Content to Blocks.
func (r Record) Text() string {
	switch {
	case r.Raw != "":
		return r.Raw
	case r.Content != "":
		return r.Content
	default:
		return r.Blocks.Join(" ")
	}
}

// Block is one colored segment of a record's message.
type Block struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// Blocks is an ordered list of segments. On the wire it is an object keyed
// text1..textN so clients that predate the list form keep working.
type Blocks []Block

func (b Blocks) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, blk := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `"text%d":`, i+1)
		v, err := json.Marshal(blk)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Blocks) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type keyed struct {
		n   int
		blk Block
	}
	items := make([]keyed, 0, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(strings.TrimPrefix(k, "text"))
		if err != nil {
			continue
		}
		var blk Block
		if err := json.Unmarshal(v, &blk); err != nil {
			// Plain string segments carry no color.
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("block %s: %w", k, err)
			}
			blk.Text = s
		}
		items = append(items, keyed{n: n, blk: blk})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].n < items[j].n })
	out := make(Blocks, len(items))
	for i, it := range items {
		out[i] = it.blk
	}
	*b = out
	return nil
}

// Join concatenates the segment texts with sep.
func (b Blocks) Join(sep string) string {
	parts := make([]string, len(b))
	for i, blk := range b {
		parts[i] = blk.Text
	}
	return strings.Join(parts, sep)
}

var (
	sgrSegment  = regexp.MustCompile(`(\x1b\[[0-9;]*m)?([^\x1b]+)`)
	bracketPart = regexp.MustCompile(`\[([^\]]+)\]`)
)

// SplitBlocks splits raw on SGR color boundaries. Whitespace-only segments
// are dropped; the color of each segment is the escape that preceded it.
func SplitBlocks(raw string) Blocks {
	var out Blocks
	for _, m := range sgrSegment.FindAllStringSubmatch(raw, -1) {
		if strings.TrimSpace(m[2]) == "" {
			continue
		}
		out = append(out, Block{Text: m[2], Color: m[1]})
	}
	return out
}

// ContentID is the content-dedup identity: md5 of the color-stripped text.
func ContentID(raw string) string {
	sum := md5.Sum([]byte(ansi.Strip(raw)))
	return hex.EncodeToString(sum[:])
}

func bracketFields(raw string) []string {
	var parts []string
	for _, m := range bracketPart.FindAllStringSubmatch(ansi.Strip(raw), 5) {
		parts = append(parts, m[1])
	}
	return parts
}

// sourceLayouts are the timestamp shapes accepted from a replayed line's
// first bracket group. Clock-only shapes take the date from the replay day.
var sourceLayouts = []struct {
	layout string
	dated  bool
}{
	{TimestampLayout, true},
	{"2006-01-02 15:04:05", true},
	{"15:04:05.000", false},
	{"15:04:05", false},
}

// sourceTimestamp normalizes src to TimestampLayout.
func sourceTimestamp(src string, day time.Time) (string, bool) {
	for _, l := range sourceLayouts {
		t, err := time.ParseInLocation(l.layout, src, day.Location())
		if err != nil {
			continue
		}
		if !l.dated {
			y, m, d := day.Date()
			t = time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), day.Location())
		}
		return t.Format(TimestampLayout), true
	}
	return "", false
}

func newRecord(id string, level Level, now time.Time, raw string) Record {
	rec := Record{
		ID:        id,
		Level:     level,
		Timestamp: now.Format(TimestampLayout),
		Raw:       raw,
		Blocks:    SplitBlocks(raw),
	}
	parts := bracketFields(raw)
	fields := []*string{&rec.Source, &rec.Module, &rec.Count, &rec.Size, &rec.Time}
	for i, p := range parts {
		*fields[i] = p
	}
	return rec
}

// joinParts renders ingest arguments the way console output would: each
// argument formatted on its own and joined with single spaces.
func joinParts(parts []any) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case string:
			strs[i] = v
		case error:
			strs[i] = v.Error()
		case fmt.Stringer:
			strs[i] = v.String()
		case []byte:
			strs[i] = string(v)
		default:
			if b, err := json.Marshal(v); err == nil && isCompound(v) {
				strs[i] = string(b)
			} else {
				strs[i] = fmt.Sprint(v)
			}
		}
	}
	return strings.Join(strs, " ")
}

func isCompound(v any) bool {
	switch v.(type) {
	case map[string]any, []any, []string:
		return true
	}
	return false
}
