// Command admin-probe polls a running router's read-only admin HTTP
// surface and prints a periodic summary: configured capabilities, active
// stream count, and egress port pool occupancy. It answers the same kind
// of "is this actually doing what I think it's doing" question the
// teacher's diagnose tool answered for the NAL unit pipeline, but against
// the router's admin surface instead of an in-process pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type capabilitiesResponse struct {
	Codecs []struct {
		Kind     string `json:"kind"`
		MimeType string `json:"mimeType"`
	} `json:"codecs"`
}

type streamSummary struct {
	ID          string `json:"ID"`
	DisplayName string `json:"DisplayName"`
	Width       int    `json:"Width"`
	Height      int    `json:"Height"`
}

type plainTransportsResponse struct {
	InUse int `json:"inUse"`
	Total int `json:"total"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the router's admin HTTP surface")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	client := &http.Client{Timeout: 3 * time.Second}

	fmt.Printf("polling %s every %s — press Ctrl+C to stop\n", *addr, *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	poll(ctx, client, *addr)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nstopped")
			return
		case <-ticker.C:
			poll(ctx, client, *addr)
		}
	}
}

func poll(ctx context.Context, client *http.Client, base string) {
	caps, err := fetchCapabilities(ctx, client, base)
	if err != nil {
		fmt.Printf("[%s] capabilities: error: %v\n", time.Now().Format(time.RFC3339), err)
		return
	}

	streams, err := fetchStreams(ctx, client, base)
	if err != nil {
		fmt.Printf("[%s] streams: error: %v\n", time.Now().Format(time.RFC3339), err)
		return
	}

	pt, err := fetchPlainTransports(ctx, client, base)
	if err != nil {
		fmt.Printf("[%s] plain-transports: error: %v\n", time.Now().Format(time.RFC3339), err)
		return
	}

	fmt.Printf("[%s] codecs=%d active_streams=%d egress_ports=%d/%d\n",
		time.Now().Format(time.RFC3339), len(caps.Codecs), len(streams), pt.InUse, pt.Total)
	for _, s := range streams {
		fmt.Printf("    stream %s %q %dx%d\n", s.ID, s.DisplayName, s.Width, s.Height)
	}
}

func fetchCapabilities(ctx context.Context, client *http.Client, base string) (*capabilitiesResponse, error) {
	var out capabilitiesResponse
	if err := getJSON(ctx, client, base+"/capabilities", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func fetchStreams(ctx context.Context, client *http.Client, base string) ([]streamSummary, error) {
	var out []streamSummary
	if err := getJSON(ctx, client, base+"/streams", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fetchPlainTransports(ctx context.Context, client *http.Client, base string) (*plainTransportsResponse, error) {
	var out plainTransportsResponse
	if err := getJSON(ctx, client, base+"/plain-transports", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
