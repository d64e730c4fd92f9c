// wsbench drives the service with concurrent conversation pairs and
// reports end-to-end delivery latency: the time from POST /v1/messages to
// the confirmed event arriving on the peer's realtime connection. It
// needs a backend API key to mint participant tokens.
//
//	wsbench -base http://localhost:8080 -realtime ws://localhost:8091 \
//	    -key <backend-key> -pairs 10 -messages 50
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"farmchat/pkg/client"
	"farmchat/pkg/models"
)

func main() {
	var (
		base     = flag.String("base", "http://localhost:8080", "REST base URL")
		realtime = flag.String("realtime", "ws://localhost:8091", "realtime gateway URL")
		key      = flag.String("key", "", "backend API key (required)")
		pairs    = flag.Int("pairs", 10, "concurrent conversation pairs")
		messages = flag.Int("messages", 50, "messages per pair")
		timeout  = flag.Duration("timeout", 10*time.Second, "per-delivery wait")
	)
	flag.Parse()
	if *key == "" {
		fmt.Fprintln(os.Stderr, "wsbench: -key is required")
		os.Exit(2)
	}

	admin, err := client.NewStore(client.Options{BaseURL: *base, APIKey: *key})
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	log.Printf("starting: %d pairs x %d messages", *pairs, *messages)
	start := time.Now()

	results := make(chan pairResult, *pairs)
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- runPair(admin, *base, *realtime, n, *messages, *timeout)
		}(i)
	}
	wg.Wait()
	close(results)

	var latencies []time.Duration
	var sent, failed int
	for r := range results {
		sent += r.sent
		failed += r.failed
		latencies = append(latencies, r.latencies...)
	}
	report(sent, failed, latencies, time.Since(start))
}

type pairResult struct {
	sent      int
	failed    int
	latencies []time.Duration
}

// runPair sends from A and measures arrival on B's subscription.
func runPair(admin *client.Store, base, realtime string, n, count int, timeout time.Duration) (res pairResult) {
	ctx := context.Background()
	idA := fmt.Sprintf("bench-%d-a", n)
	idB := fmt.Sprintf("bench-%d-b", n)

	tokA, err := admin.MintToken(ctx, idA, time.Hour)
	if err != nil {
		log.Printf("pair %d: mint token: %v", n, err)
		res.failed = count
		return
	}
	tokB, err := admin.MintToken(ctx, idB, time.Hour)
	if err != nil {
		log.Printf("pair %d: mint token: %v", n, err)
		res.failed = count
		return
	}

	sender := admin.UseToken(tokA)

	// first message creates the conversation so B can subscribe
	first, err := sender.SendMessage(ctx, idB, "bench warmup", "")
	if err != nil {
		log.Printf("pair %d: warmup send: %v", n, err)
		res.failed = count
		return
	}

	feedB, err := client.NewFeed(client.Options{RealtimeURL: realtime, Token: tokB})
	if err != nil {
		log.Printf("pair %d: feed: %v", n, err)
		res.failed = count
		return
	}
	sub, err := feedB.Subscribe(ctx, first.Conversation)
	if err != nil {
		log.Printf("pair %d: subscribe: %v", n, err)
		res.failed = count
		return
	}
	defer sub.Close()

	for i := 0; i < count; i++ {
		body := fmt.Sprintf("bench %d/%d", n, i)
		sentAt := time.Now()
		msg, err := sender.SendMessage(ctx, idB, body, "")
		if err != nil {
			res.failed++
			continue
		}
		res.sent++
		if waitForMessage(sub.Events(), msg.ID, timeout) {
			res.latencies = append(res.latencies, time.Since(sentAt))
		} else {
			res.failed++
		}
	}
	return
}

// waitForMessage drains events until the id shows up or the deadline
// passes. Intermediate events (the warmup confirm, read receipts) are
// skipped.
func waitForMessage(events <-chan models.Event, id string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Type == models.EventMessageCreated && ev.Message != nil && ev.Message.ID == id {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func report(sent, failed int, latencies []time.Duration, elapsed time.Duration) {
	log.Printf("done in %s: sent=%d delivered=%d failed=%d", elapsed.Round(time.Millisecond), sent, len(latencies), failed)
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		idx := int(float64(len(latencies)-1) * p)
		return latencies[idx]
	}
	log.Printf("delivery latency: p50=%s p90=%s p99=%s max=%s",
		pct(0.50).Round(time.Microsecond),
		pct(0.90).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		latencies[len(latencies)-1].Round(time.Microsecond))
	log.Printf("throughput: %.1f delivered/s", float64(len(latencies))/elapsed.Seconds())
}
