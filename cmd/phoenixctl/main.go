package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/phoenixvc/phoenix-evidence/pkg/digest"
)

const usage = `usage:
  phoenixctl submit --file <path> [--mime <type>] [--server <url>]
  phoenixctl submit --digest <64-hex> [--mime <type>] [--server <url>]
  phoenixctl status <id> [--server <url>]
  phoenixctl list [--page <n>] [--per-page <n>] [--server <url>]`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	default:
		fail(usage)
	}
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("file", "", "file to hash and submit")
	dg := fs.String("digest", "", "precomputed sha256 digest (64 hex)")
	mime := fs.String("mime", "", "payload mime type")
	server := fs.String("server", serverDefault(), "evidence API base url")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}

	var digestHex string
	switch {
	case *file != "":
		f, err := os.Open(*file)
		if err != nil {
			fail(err.Error())
		}
		defer f.Close()
		digestHex, err = digest.SumReaderHex(f)
		if err != nil {
			fail(err.Error())
		}
	case *dg != "":
		var err error
		digestHex, err = digest.Normalize(*dg)
		if err != nil {
			fail("--digest must be a 64-character hex sha256")
		}
	default:
		fail("one of --file or --digest is required")
	}

	body, _ := json.Marshal(map[string]string{
		"digest_hex":   digestHex,
		"payload_mime": *mime,
	})
	resp := post(*server+"/evidence", body)
	printJSON(resp)
}

func runStatus(args []string) {
	if len(args) < 1 || args[0] == "" {
		fail(usage)
	}
	id := args[0]
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := fs.String("server", serverDefault(), "evidence API base url")
	if err := fs.Parse(args[1:]); err != nil {
		fail(err.Error())
	}
	printJSON(get(*server + "/evidence/" + id))
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	page := fs.Int("page", 1, "page number")
	perPage := fs.Int("per-page", 10, "results per page")
	server := fs.String("server", serverDefault(), "evidence API base url")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	printJSON(get(fmt.Sprintf("%s/evidence?page=%d&per_page=%d", *server, *page, *perPage)))
}

func serverDefault() string {
	if v := os.Getenv("PHOENIX_EVIDENCE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func post(url string, body []byte) []byte {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fail(err.Error())
	}
	return readResponse(resp)
}

func get(url string) []byte {
	resp, err := httpClient.Get(url)
	if err != nil {
		fail(err.Error())
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) []byte {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err.Error())
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "server returned %d\n", resp.StatusCode)
		os.Stderr.Write(raw)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
	return raw
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		return
	}
	fmt.Println(buf.String())
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
