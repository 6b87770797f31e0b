// Command ordercheck waits for a checkout session to settle, the way the
// storefront's return page does after the hosted payment page redirects.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"storefront-service/internal/poller"
	"storefront-service/internal/util"
)

func main() {
	cfg := poller.DefaultConfig("", "")

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "storefront service URL")
	flag.StringVar(&cfg.UserID, "user", "", "user ID forwarded as X-User-ID")
	session := flag.String("session", "", "checkout session ID")
	flag.IntVar(&cfg.Attempts, "attempts", cfg.Attempts, "status reads before giving up")
	flag.DurationVar(&cfg.Interval, "interval", cfg.Interval, "delay between reads")
	flag.IntVar(&cfg.CompleteOnAttempt, "complete-on", cfg.CompleteOnAttempt, "request manual completion after this many unpaid reads (0 disables)")
	flag.Parse()

	if *session == "" || cfg.UserID == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := util.InitLogger(util.LogOptions{Env: os.Getenv("ENV"), Level: os.Getenv("LOG_LEVEL")}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Attempts+1)*(cfg.Interval+10*time.Second))
	defer cancel()

	res, err := poller.New(cfg).Wait(ctx, *session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to confirm payment: %v\n", err)
		os.Exit(1)
	}

	switch res.Outcome {
	case poller.OutcomePaid:
		fmt.Printf("Order %s is paid.\n", res.Status.OrderID)
	case poller.OutcomeFailed:
		fmt.Printf("Order %s failed. No charge was kept.\n", res.Status.OrderID)
		os.Exit(1)
	default:
		fmt.Println("Payment processing is taking longer than expected. Your order may still complete. Check your order history.")
		os.Exit(3)
	}
}
