// Command ctx-tool is a one-shot CLI forwarder: it sends exactly one
// tool call to a running contextd daemon and prints the reply, the
// thin-client counterpart an editor integration or a shell script can
// shell out to instead of linking pkg/client directly.
//
// Grounded on the teacher's cmd/pulse-agent's flag-based (not cobra)
// entrypoint, appropriate for a small single-purpose binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/pkg/client"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ctx-tool", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "http://127.0.0.1:15177", "contextd base URL")
	tool := fs.String("tool", "", "tool name: interact, memory, search, enhance_context")
	params := fs.String("params", "", "JSON params; reads stdin if omitted")
	timeout := fs.Duration("timeout", 60*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tool == "" {
		fmt.Fprintln(stderr, "ctx-tool: -tool is required")
		fs.Usage()
		return 2
	}

	raw := []byte(*params)
	if *params == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "ctx-tool: failed to read params from stdin: %v\n", err)
			return 1
		}
		raw = data
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var rawParams json.RawMessage
	if err := json.Unmarshal(raw, &rawParams); err != nil {
		fmt.Fprintf(stderr, "ctx-tool: invalid JSON params: %v\n", err)
		return 1
	}

	c := client.New(*addr)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := c.Call(ctx, protocol.ToolName(*tool), rawParams)
	if err != nil {
		fmt.Fprintf(stderr, "ctx-tool: request failed: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "ctx-tool: failed to encode response: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))

	if !resp.Success {
		return 1
	}
	return 0
}
