// Signaling load test for signalbridge. Each pair is a farmer and an expert
// joining their own room; once ready, the farmer streams candidate envelopes
// to the expert.
// Usage: go run test/loadtest/ws-loadtest.go -url ws://127.0.0.1:8080/ws -pairs 100 -duration 60s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

type envelope struct {
	Kind string `json:"kind"`
}

type counters struct {
	paired       atomic.Int64
	sent         atomic.Int64
	relayed      atomic.Int64
	errors       atomic.Int64
	connectFails atomic.Int64
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "Signaling WebSocket URL")
	pairs := flag.Int("pairs", 10, "Number of concurrent farmer/expert pairs")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 200*time.Millisecond, "Candidate send interval per farmer")
	token := flag.String("token", "", "Auth token (optional)")
	flag.Parse()

	fmt.Printf("signalbridge load test\n")
	fmt.Printf("  URL:          %s\n", *url)
	fmt.Printf("  Pairs:        %d\n", *pairs)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	targetURL := *url
	if *token != "" {
		targetURL += "?token=" + *token
	}

	var c counters
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runPair(ctx, targetURL, fmt.Sprintf("load-%d", id), *msgInterval, &c)
		}(i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] paired=%d sent=%d relayed=%d errors=%d connect_fails=%d\n",
					elapsed, c.paired.Load(), c.sent.Load(), c.relayed.Load(), c.errors.Load(), c.connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Paired:          %d / %d\n", c.paired.Load(), *pairs)
	fmt.Printf("  Connect fails:   %d\n", c.connectFails.Load())
	fmt.Printf("  Candidates sent: %d\n", c.sent.Load())
	fmt.Printf("  Relayed:         %d\n", c.relayed.Load())
	fmt.Printf("  Errors:          %d\n", c.errors.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Relay rate:      %.1f msg/s\n", float64(c.relayed.Load())/elapsed.Seconds())
	}

	if c.connectFails.Load() > 0 || c.errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}

func runPair(ctx context.Context, url, roomID string, interval time.Duration, c *counters) {
	farmer, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.connectFails.Add(1)
		return
	}
	defer farmer.CloseNow()
	expert, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.connectFails.Add(1)
		return
	}
	defer expert.CloseNow()

	for role, conn := range map[string]*websocket.Conn{"farmer": farmer, "expert": expert} {
		join := fmt.Sprintf(`{"kind":"join","roomId":%q,"payload":{"role":%q}}`, roomID, role)
		if err := conn.Write(ctx, websocket.MessageText, []byte(join)); err != nil {
			c.errors.Add(1)
			return
		}
	}
	if !awaitReady(ctx, farmer) || !awaitReady(ctx, expert) {
		if ctx.Err() == nil {
			c.errors.Add(1)
		}
		return
	}
	c.paired.Add(1)

	go func() {
		for {
			_, data, err := expert.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) == nil && env.Kind == "candidate" {
				c.relayed.Add(1)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			farmer.Write(context.Background(), websocket.MessageText, []byte(fmt.Sprintf(`{"kind":"end","roomId":%q}`, roomID)))
			return
		case <-ticker.C:
			msg := fmt.Sprintf(`{"kind":"candidate","roomId":%q,"payload":{"candidate":"candidate:%d 1 udp 2122260223 10.0.0.1 5000 typ host","sdpMid":"0"}}`, roomID, seq)
			if err := farmer.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				if ctx.Err() == nil {
					c.errors.Add(1)
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

func awaitReady(ctx context.Context, conn *websocket.Conn) bool {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return false
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return false
		}
		switch env.Kind {
		case "ready":
			return true
		case "error", "room-full":
			return false
		}
	}
}
