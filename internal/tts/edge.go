package tts

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Public token used by the Edge read-aloud endpoint.
const defaultEdgeEndpoint = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1?TrustedClientToken=6A5AA1D4EAFF4E9FB37E23D68491D6F4"

const defaultEdgeVoice = "zh-CN-XiaoxiaoNeural"

type edgeSynth struct {
	endpoint string
	dialer   *websocket.Dialer
}

// NewEdgeSynth speaks the Edge read-aloud websocket protocol: a
// speech.config message, an SSML request, then binary audio chunks
// until turn.end. An empty endpoint selects the public one.
func NewEdgeSynth(endpoint string) Synthesizer {
	if endpoint == "" {
		endpoint = defaultEdgeEndpoint
	}
	return &edgeSynth{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (e *edgeSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	voice := req.Voice
	if voice == "" {
		voice = defaultEdgeVoice
	}
	rate := normalizePercent(req.Rate)
	volume := normalizePercent(req.Volume)

	conn, resp, err := e.dialer.DialContext(ctx, e.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial edge tts: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial edge tts: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	// unblock reads when the caller gives up early
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	reqID := requestID()
	ts := time.Now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")

	config := "X-Timestamp:" + ts + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"audio-24khz-48kbitrate-mono-mp3"}}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(config)); err != nil {
		return nil, fmt.Errorf("send speech config: %w", err)
	}

	ssml := fmt.Sprintf(
		`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='zh-CN'><voice name='%s'><prosody pitch='+0Hz' rate='%s' volume='%s'>%s</prosody></voice></speak>`,
		voice, rate, volume, escapeXML(req.Text))
	ssmlMsg := "X-RequestId:" + reqID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + ts + "\r\n" +
		"Path:ssml\r\n\r\n" + ssml
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMsg)); err != nil {
		return nil, fmt.Errorf("send ssml: %w", err)
	}

	var audio []byte
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read edge tts: %w", err)
		}
		switch msgType {
		case websocket.TextMessage:
			if strings.Contains(string(data), "Path:turn.end") {
				if len(audio) == 0 {
					return nil, fmt.Errorf("edge tts returned no audio")
				}
				return audio, nil
			}
		case websocket.BinaryMessage:
			chunk, ok := audioChunk(data)
			if ok {
				audio = append(audio, chunk...)
			}
		}
	}
}

// audioChunk strips the length-prefixed header off a binary message
// and returns the audio bytes when the header names the audio path.
func audioChunk(data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return nil, false
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+headerLen {
		return nil, false
	}
	header := string(data[2 : 2+headerLen])
	if !strings.Contains(header, "Path:audio") {
		return nil, false
	}
	return data[2+headerLen:], true
}

// normalizePercent falls back to +0% for values not shaped like the
// signed-percent strings the endpoint expects.
func normalizePercent(v string) string {
	if v == "" || !strings.HasSuffix(v, "%") {
		return "+0%"
	}
	if !strings.HasPrefix(v, "+") && !strings.HasPrefix(v, "-") {
		return "+" + v
	}
	return v
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

func requestID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
