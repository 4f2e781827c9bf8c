//go:build ignore
// +build ignore

// Scan pipeline load test.
// Feeds synthetic inbound mail through the full analyzer with DNS served
// from an in-memory zone map (no network), then reports throughput and
// the verdict distribution.
//
// Usage:
//   go run scripts/scan_loadtest.go --messages=50000 --workers=8
//
// Tune the share of malicious traffic:
//   go run scripts/scan_loadtest.go --messages=10000 --threat-ratio=0.3
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ignite/mailguard/internal/batch"
	"github.com/ignite/mailguard/internal/dnsx"
	"github.com/ignite/mailguard/internal/emailauth/dkim"
	"github.com/ignite/mailguard/internal/emailauth/dmarc"
	"github.com/ignite/mailguard/internal/emailauth/spf"
	"github.com/ignite/mailguard/internal/message"
	"github.com/ignite/mailguard/internal/pipeline"
	"github.com/ignite/mailguard/internal/pkg/logger"
	"github.com/ignite/mailguard/internal/senders"
)

func main() {
	messages := flag.Int("messages", 10000, "number of synthetic messages to scan")
	workers := flag.Int("workers", 8, "concurrent scans")
	threatRatio := flag.Float64("threat-ratio", 0.3, "fraction of messages that are malicious")
	flag.Parse()

	res := dnsx.NewStatic().
		AddTXT("corp.example", "v=spf1 ip4:192.0.2.0/24 -all").
		AddTXT("_dmarc.corp.example", "v=DMARC1; p=reject")

	analyzer := pipeline.NewAnalyzer(pipeline.Deps{
		Classifier: senders.NewClassifier(senders.NewRegistry()),
		SPF:        spf.NewEvaluator(res),
		DKIM:       dkim.NewVerifier(res),
		DMARC:      dmarc.NewEvaluator(res),
	}, pipeline.Config{}, logger.New(logger.ERROR, io.Discard))

	emails := make([]*message.ParsedEmail, *messages)
	threatEvery := 0
	if *threatRatio > 0 {
		threatEvery = int(1 / *threatRatio)
	}
	for i := range emails {
		if threatEvery > 0 && i%threatEvery == 0 {
			emails[i] = threatEmail(i)
		} else {
			emails[i] = cleanEmail(i)
		}
	}

	fmt.Printf("Scanning %d messages with %d workers...\n", *messages, *workers)
	start := time.Now()

	verdicts, _, err := batch.ParallelMap(context.Background(), emails,
		func(ctx context.Context, e *message.ParsedEmail) (*pipeline.Verdict, error) {
			return analyzer.Scan(ctx, "loadtest", e)
		}, batch.Options{Concurrency: *workers})
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	elapsed := time.Since(start)
	actions := map[pipeline.Action]int{}
	var totalScore float64
	for _, v := range verdicts {
		actions[v.Action]++
		totalScore += v.Score
	}

	fmt.Printf("\nDone in %s (%.0f msgs/sec)\n", elapsed.Round(time.Millisecond),
		float64(*messages)/elapsed.Seconds())
	fmt.Printf("  allow:      %d\n", actions[pipeline.ActionAllow])
	fmt.Printf("  flag:       %d\n", actions[pipeline.ActionFlag])
	fmt.Printf("  quarantine: %d\n", actions[pipeline.ActionQuarantine])
	fmt.Printf("  block:      %d\n", actions[pipeline.ActionBlock])
	fmt.Printf("  mean score: %.1f\n", totalScore/float64(*messages))

	if actions[pipeline.ActionBlock] == 0 && *threatRatio > 0 {
		fmt.Println("WARNING: no messages blocked; check detector wiring")
		os.Exit(1)
	}
}

func cleanEmail(i int) *message.ParsedEmail {
	e := &message.ParsedEmail{
		MessageID:    fmt.Sprintf("clean-%d", i),
		From:         message.NewAddress("billing@corp.example", "Corp Billing"),
		EnvelopeFrom: "billing@corp.example",
		SourceIP:     "192.0.2.10",
		Subject:      "Your monthly statement",
		TextBody:     "Hello, your statement for this month is ready in the customer portal. Thank you.",
	}
	e.Normalize()
	return e
}

// threatEmail rotates through the main attack shapes so every detector
// sees traffic.
func threatEmail(i int) *message.ParsedEmail {
	e := &message.ParsedEmail{
		MessageID: fmt.Sprintf("threat-%d", i),
		SourceIP:  "203.0.113.9",
	}
	switch i % 3 {
	case 0:
		e.From = message.NewAddress("support@evil-login.example", "PayPal Support")
		e.Subject = "Action required on your transfer"
		e.TextBody = "Please wire the funds immediately. This is urgent, act now before the window closes."
		e.SetHeader("Reply-To", "collector@drop-box.example")
	case 1:
		e.From = message.NewAddress("it-desk@corp-helpdesk.example", "IT Helpdesk")
		e.Subject = "Password expires today"
		e.TextBody = "Your password expires today. Verify your account at http://192.0.2.77/reset to keep access."
	default:
		e.From = message.NewAddress("hr@corp.example", "HR Team")
		e.EnvelopeFrom = "hr@corp.example"
		e.Subject = "Updated handbook"
		e.TextBody = "See attached."
		e.Attachments = []message.Attachment{{Filename: "handbook.pdf.exe", ContentType: "application/octet-stream", Size: 120000}}
	}
	e.Normalize()
	return e
}
