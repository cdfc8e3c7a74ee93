// Command mock-upstream is a scriptable model endpoint for exercising the
// proxy by hand: it can answer with fixed statuses, stream SSE chunks, and
// drop connections mid-stream.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		addr     = flag.String("listen", "127.0.0.1:8319", "address to listen on")
		statuses = flag.String("statuses", "200", "comma-separated status sequence answered in order, last repeats (e.g. 503,503,200)")
		sse      = flag.Bool("sse", false, "stream an SSE response for 200s")
		dropMid  = flag.Bool("drop-mid-stream", false, "close the connection after the second SSE chunk")
		delayMs  = flag.Int("delay-ms", 100, "delay between SSE chunks")
	)
	flag.Parse()

	var sequence []int
	for _, raw := range strings.Split(*statuses, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			log.WithField("status", raw).Fatal("invalid status in sequence")
		}
		sequence = append(sequence, code)
	}

	var counter atomic.Int64
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1) - 1
		idx := int(n)
		if idx >= len(sequence) {
			idx = len(sequence) - 1
		}
		status := sequence[idx]
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "status": status}).Info("request")

		if status != 200 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"type":"mock_error","message":"scripted status %d"}}`, status)
			return
		}

		if !*sse {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"resp_mock","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)

		chunks := []string{
			`{"type":"response.output_text.delta","delta":"hello"}`,
			`{"type":"response.output_text.delta","delta":" world"}`,
			`{"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`,
		}
		for i, chunk := range chunks {
			if *dropMid && i == 2 {
				if hj, ok := w.(http.Hijacker); ok {
					conn, _, err := hj.Hijack()
					if err == nil {
						_ = conn.Close()
					}
					return
				}
			}
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
			time.Sleep(time.Duration(*delayMs) * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})

	log.WithField("addr", *addr).Info("mock upstream listening")
	log.Fatal(http.ListenAndServe(*addr, nil))
}
