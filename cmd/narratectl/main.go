package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var version = "0.1.0-dev"

type metadataResponse struct {
	Page struct {
		Slug  string `json:"slug"`
		Title string `json:"title"`
	} `json:"page"`
	Segments []struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Checksum string `json:"checksum"`
		HasAudio bool   `json:"has_audio"`
	} `json:"segments"`
	FullTrack struct {
		HasAudio bool `json:"has_audio"`
	} `json:"full_track"`
}

type generateResponse struct {
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	Segments  int    `json:"segments"`
	RequestID string `json:"request_id"`
}

func main() {
	var (
		addr        string
		warmSlug    string
		statusSlug  string
		sync        bool
		showVersion bool
	)

	flag.StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the narrated daemon")
	flag.StringVar(&warmSlug, "warm", "", "Trigger audio generation for a page slug")
	flag.StringVar(&statusSlug, "status", "", "Show segment state for a page slug")
	flag.BoolVar(&sync, "sync", false, "With -warm, wait for generation to finish")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	base := strings.TrimRight(addr, "/")

	switch {
	case warmSlug != "":
		if err := runWarm(client, base, warmSlug, sync); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case statusSlug != "":
		if err := runStatus(client, base, statusSlug); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "expected -warm <slug> or -status <slug>")
		os.Exit(2)
	}
}

func runWarm(client *http.Client, base, slug string, sync bool) error {
	url := fmt.Sprintf("%s/api/audio/%s/generate", base, slug)
	if sync {
		url += "?sync=true"
	}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := decode(resp, &out); err != nil {
		return err
	}
	switch out.Status {
	case "queued":
		fmt.Printf("queued %s (request %s)\n", out.Ref, out.RequestID)
	default:
		fmt.Printf("%s %s: %d segments\n", out.Status, out.Ref, out.Segments)
	}
	return nil
}

func runStatus(client *http.Client, base, slug string) error {
	url := fmt.Sprintf("%s/api/audio/%s/metadata", base, slug)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out metadataResponse
	if err := decode(resp, &out); err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", out.Page.Title, out.Page.Slug)
	for _, seg := range out.Segments {
		state := "missing"
		if seg.HasAudio {
			state = "cached"
		}
		fmt.Printf("  %-16s %s %s\n", seg.ID, seg.Checksum, state)
	}
	track := "missing"
	if out.FullTrack.HasAudio {
		track = "cached"
	}
	fmt.Printf("  %-16s %s\n", "full track", track)
	return nil
}

func decode(resp *http.Response, v any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, v)
}
