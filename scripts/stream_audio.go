package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type transcript struct {
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

func main() {
	target := flag.String("url", "ws://localhost:8000/transcribe/ws", "")
	file := flag.String("file", "", "raw audio file to stream")
	key := flag.String("key", os.Getenv("VOXRELAY_API_KEY"), "")
	chunk := flag.Int("chunk", 3200, "bytes per frame")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between frames")
	linger := flag.Duration("linger", 3*time.Second, "wait for trailing transcripts")
	flag.Parse()
	if *file == "" {
		fmt.Println("usage: stream_audio -file=audio.raw [-url=...] [-key=eb_...]")
		os.Exit(1)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Println("open error:", err)
		os.Exit(1)
	}
	defer f.Close()

	u, err := url.Parse(*target)
	if err != nil {
		fmt.Println("url error:", err)
		os.Exit(1)
	}
	header := http.Header{}
	if *key != "" {
		header.Set("Authorization", "Bearer "+*key)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			fmt.Println("dial error:", err, "status:", resp.StatusCode)
		} else {
			fmt.Println("dial error:", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					fmt.Printf("closed: %d %s\n", ce.Code, ce.Text)
				}
				return
			}
			var t transcript
			if err := json.Unmarshal(data, &t); err != nil || len(t.Channel.Alternatives) == 0 {
				fmt.Println("message:", string(data))
				continue
			}
			label := "interim"
			if t.IsFinal {
				label = "final"
			}
			fmt.Printf("[%s] %s\n", label, t.Channel.Alternatives[0].Transcript)
		}
	}()

	buf := make([]byte, *chunk)
	sent := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				fmt.Println("write error:", werr)
				break
			}
			sent += n
			time.Sleep(*interval)
		}
		if err != nil {
			break
		}
	}
	fmt.Println("sent_bytes:", sent)

	select {
	case <-done:
		return
	case <-time.After(*linger):
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
