package extract

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/chatcast/internal/wire"
)

// Method markers observed on the wire, in classification precedence
// order. The marker list is reverse-engineered; heuristic matches
// against it are best effort.
var methodMarkers = []struct {
	marker string
	kind   Kind
}{
	{"WebcastChatMessage", KindChat},
	{"WebcastGiftMessage", KindGift},
	{"WebcastRoomStatsMessage", KindRoomStats},
	{"WebcastRoomUserSeqMessage", KindUserSeq},
	{"WebcastLikeMessage", KindLike},
	{"WebcastMemberMessage", KindMemberJoin},
	{"WebcastControlMessage", KindControl},
}

// Strings the feed embeds around real content: URLs, image paths,
// protocol bookkeeping. Anything containing one of these is never
// nickname or chat text.
var systemMarkers = []string{
	"http", ".png", ".jpg", ".image", "/",
	"webcast", "douyinpic",
	"compress_type", "internal_ext", "internal_src", "im-cursor",
	"first_req_ms", "fetch_time", "wss_push",
	"level", "badge", "rank",
}

const (
	maxScanStringLen = 200
	minContentLen    = 2
	maxContentLen    = 50
	maxNicknameLen   = 20
)

// Extractor turns decompressed frame payloads into typed events. It
// never fails: unclassifiable payloads come back as KindUnknown with
// whatever strings were salvaged.
type Extractor struct {
	clock func() time.Time
}

func New() *Extractor {
	return &Extractor{clock: time.Now}
}

type scanned struct {
	field uint64
	text  string
}

// Extract classifies a payload. Structured parsing is attempted
// first: a nested message whose first string field names a known
// method wins. When that yields nothing, a heuristic scan over all
// printable strings substring-matches the same markers.
func (e *Extractor) Extract(data []byte) Event {
	evt := Event{Kind: KindUnknown, Timestamp: e.clock()}
	if len(data) == 0 {
		return evt
	}

	if kind, body, ok := structuredMethod(data); ok {
		evt.Kind = kind
		e.populate(&evt, collectStrings(body))
		return evt
	}

	strs := collectStrings(data)
	for _, s := range strs {
		for _, m := range methodMarkers {
			if strings.Contains(s.text, m.marker) {
				evt.Kind = m.kind
				evt.Heuristic = true
				e.populate(&evt, strs)
				return evt
			}
		}
	}

	// Nothing recognizable. Keep any salvaged text for display.
	evt.Heuristic = true
	for _, s := range strs {
		if isValidContent(s.text) {
			evt.Text = s.text
			break
		}
	}
	return evt
}

// structuredMethod looks for a nested message whose field 1 is
// exactly a known method name, returning the sibling bytes as the
// message body. A top-level field 1 naming a method also counts.
func structuredMethod(data []byte) (Kind, []byte, bool) {
	for _, fld := range wire.Fields(data) {
		if fld.WireType != 2 {
			continue
		}
		if fld.Number == 1 {
			if kind, ok := exactMarker(string(fld.Bytes)); ok {
				return kind, data, true
			}
		}
		var method Kind
		var found bool
		var body []byte
		for _, sub := range wire.Fields(fld.Bytes) {
			if sub.WireType != 2 {
				continue
			}
			if sub.Number == 1 && !found {
				if kind, ok := exactMarker(string(sub.Bytes)); ok {
					method, found = kind, true
					continue
				}
			}
			if len(sub.Bytes) > len(body) {
				body = sub.Bytes
			}
		}
		if found {
			if body == nil {
				body = fld.Bytes
			}
			return method, body, true
		}
	}
	return KindUnknown, nil, false
}

func exactMarker(s string) (Kind, bool) {
	for _, m := range methodMarkers {
		if s == m.marker {
			return m.kind, true
		}
	}
	return KindUnknown, false
}

// populate salvages user and content fields from the collected
// strings, using the same validity rules for both parse paths. The
// message text is the last field that reads like chat content; the
// nickname is the first earlier field that reads like a name.
func (e *Extractor) populate(evt *Event, strs []scanned) {
	contentIdx := -1
	for i, s := range strs {
		if !isSystemString(s.text) && isValidContent(s.text) {
			contentIdx = i
		}
	}
	if contentIdx >= 0 {
		evt.Text = strs[contentIdx].text
		if evt.Kind == KindGift {
			evt.GiftName = evt.Text
			evt.GiftCount = 1
		}
	}
	for i, s := range strs {
		if i == contentIdx || isSystemString(s.text) {
			continue
		}
		if isValidNickname(s.text) {
			evt.User = &User{ID: s.text, Nickname: s.text}
			break
		}
	}
}

// collectStrings walks the tagged fields one level deep and keeps the
// length-delimited values that look like readable text.
func collectStrings(data []byte) []scanned {
	var out []scanned
	var walk func(data []byte, depth int)
	walk = func(data []byte, depth int) {
		for _, fld := range wire.Fields(data) {
			if fld.WireType != 2 {
				continue
			}
			if text, ok := printableString(fld.Bytes); ok {
				out = append(out, scanned{field: fld.Number, text: text})
			} else if depth > 0 {
				walk(fld.Bytes, depth-1)
			}
		}
	}
	walk(data, 2)
	return out
}

// printableString accepts values of plausible length whose decoded
// runes are mostly printable.
func printableString(raw []byte) (string, bool) {
	if len(raw) == 0 || len(raw) > maxScanStringLen {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	text := string(raw)
	total, printable := 0, 0
	for _, r := range text {
		total++
		if unicode.IsPrint(r) {
			printable++
		}
	}
	if total == 0 || printable*10 < total*3 {
		return "", false
	}
	return text, true
}

func isSystemString(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range systemMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isValidNickname(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < minContentLen || n > maxNicknameLen {
		return false
	}
	return hasLetter(text)
}

func isValidContent(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < minContentLen || n > maxContentLen {
		return false
	}
	if !hasLetter(text) {
		return false
	}
	if isSystemString(text) {
		return false
	}
	// long alphanumeric runs are identifiers, not chat
	if n > 15 {
		alnum := 0
		for _, r := range text {
			if r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				alnum++
			}
		}
		if alnum*10 > n*8 {
			return false
		}
	}
	return true
}

func hasLetter(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
