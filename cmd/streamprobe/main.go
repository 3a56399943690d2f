// streamprobe simulates a telephony media stream against a running bridge:
// it opens the media-stream websocket, paces mu-law silence frames on the
// media clock, and prints everything the bridge sends back.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	url       string
	streamSID string
	callSID   string
	duration  time.Duration
	chunkMS   int
	verbose   bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/call/media-stream", "media-stream websocket URL")
	flag.StringVar(&opts.streamSID, "stream-sid", "MZprobe", "stream identifier to announce")
	flag.StringVar(&opts.callSID, "call-sid", "CAprobe", "call identifier to announce")
	flag.DurationVar(&opts.duration, "duration", 10*time.Second, "how long to stream before hanging up")
	flag.IntVar(&opts.chunkMS, "chunk-ms", 20, "media frame size in milliseconds")
	flag.BoolVar(&opts.verbose, "v", false, "log every received frame")
	flag.Parse()
	if opts.chunkMS <= 0 {
		fmt.Fprintln(os.Stderr, "chunk-ms must be positive")
		os.Exit(2)
	}
	return opts
}

func main() {
	opts := parseFlags()

	conn, _, err := websocket.DefaultDialer.Dial(opts.url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", opts.url, err)
	}
	defer conn.Close()

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			log.Fatalf("write: %v", err)
		}
	}

	send(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	send(map[string]any{
		"event":     "start",
		"streamSid": opts.streamSID,
		"start": map[string]any{
			"callSid":   opts.callSID,
			"streamSid": opts.streamSID,
			"tracks":    []string{"inbound"},
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})
	log.Printf("stream %s started, sending %dms frames for %v", opts.streamSID, opts.chunkMS, opts.duration)

	// mu-law silence: 8 samples per millisecond at 8kHz.
	silence := make([]byte, 8*opts.chunkMS)
	for i := range silence {
		silence[i] = 0xFF
	}
	payload := base64.StdEncoding.EncodeToString(silence)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		var mediaFrames, marks int
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("bridge closed the stream: %v (media=%d marks=%d)", err, mediaFrames, marks)
				return
			}
			var env struct {
				Event string `json:"event"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("unparseable frame from bridge: %v", err)
				continue
			}
			switch env.Event {
			case "media":
				mediaFrames++
			case "mark":
				marks++
			}
			if opts.verbose {
				log.Printf("<- %s", strings.TrimSpace(string(data)))
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(opts.chunkMS) * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(opts.duration)

	var clock int64
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-readerDone:
			return
		case <-ticker.C:
			send(map[string]any{
				"event":     "media",
				"streamSid": opts.streamSID,
				"media": map[string]any{
					"track":     "inbound",
					"timestamp": strconv.FormatInt(clock, 10),
					"payload":   payload,
				},
			})
			clock += int64(opts.chunkMS)
		}
	}

	send(map[string]any{"event": "stop", "streamSid": opts.streamSID})
	log.Printf("sent stop after %dms of media", clock)

	select {
	case <-readerDone:
	case <-time.After(3 * time.Second):
	}
}
