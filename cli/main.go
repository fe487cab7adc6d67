// Package main provides a command line client that starts runs and follows
// their event streams.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// printer renders run events for a terminal.
type printer struct {
	raw bool

	content string
	ok      bool
}

func (p *printer) handle(ev domain.RunEvent) {
	if p.raw {
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
	}
	switch ev.Type {
	case domain.EventTypeAssistantDelta:
		if !p.raw {
			fmt.Print(domain.PayloadString(ev.Payload, domain.KeyDelta))
		}
	case domain.EventTypeToolCall:
		if !p.raw {
			fmt.Printf("\n[tool] %s %s\n", domain.PayloadString(ev.Payload, domain.KeyName),
				domain.PayloadString(ev.Payload, domain.KeyArgumentsJSON))
		}
	case domain.EventTypeToolResult:
		if !p.raw {
			if domain.PayloadBool(ev.Payload, domain.KeyOK) {
				fmt.Printf("[tool] %s ok\n", domain.PayloadString(ev.Payload, domain.KeyName))
			} else {
				fmt.Printf("[tool] %s failed: %s\n", domain.PayloadString(ev.Payload, domain.KeyName),
					domain.PayloadString(ev.Payload, domain.KeyMessage))
			}
		}
	case domain.EventTypeError:
		if !p.raw {
			fmt.Printf("\n[error] %s\n", domain.PayloadString(ev.Payload, domain.KeyMessage))
		}
	case domain.EventTypeAssistantMessage:
		p.content = domain.PayloadString(ev.Payload, domain.KeyContent)
	case domain.EventTypeRunFinished:
		p.ok = domain.PayloadBool(ev.Payload, domain.KeyOK)
		if !p.raw {
			status, _ := domain.StatusForEvent(ev.Type, ev.Payload)
			fmt.Printf("\n[%s]\n", status)
		}
	case domain.EventTypeStatus:
		if !p.raw {
			fmt.Printf("\n[%s]\n", domain.PayloadString(ev.Payload, domain.KeyStatus))
		}
	}
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "agentrun API address")
	projectID := flag.String("project", "default", "Project ID")
	agentID := flag.String("agent", "default", "Agent ID")
	model := flag.String("model", "gpt-4o-mini", "Model to run")
	system := flag.String("system", "", "System prompt")
	transport := flag.String("transport", "sse", "Stream transport: sse or ws")
	raw := flag.Bool("raw", false, "Print events as JSON lines")
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	client := NewClient(*addr)

	fmt.Printf("Connected to %s.\n", *addr)
	fmt.Println("Type a message and press Enter to start a run. Ctrl+C cancels the current run.")
	fmt.Println("Commands: /quit to exit")
	fmt.Println()

	var history []domain.Message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			fmt.Println("Bye!")
			return
		}

		resp, err := client.StartRun(ctx, domain.StartRunRequest{
			ProjectID: *projectID,
			AgentID:   *agentID,
			Agent:     domain.AgentConfig{SystemPrompt: *system, Model: *model},
			Input:     domain.RunInput{Message: input, PriorMessages: history},
		})
		if err != nil {
			log.Errorf(ctx, err, "failed to start run")
			continue
		}
		log.Debugf(ctx, "run %s queued", resp.RunID)

		p := &printer{raw: *raw}
		if err := follow(ctx, client, *transport, resp.RunID, p.handle); err != nil {
			log.Errorf(ctx, err, "stream of run %s failed", resp.RunID)
			continue
		}
		if p.ok {
			history = append(history,
				domain.Message{Role: domain.RoleUser, Content: input},
				domain.Message{Role: domain.RoleAssistant, Content: p.content})
		}
	}
}

// follow tails one run. An interrupt cancels the run on the server and keeps
// following until its final event.
func follow(ctx context.Context, client *Client, transport, runID string, fn func(domain.RunEvent)) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-interrupt:
			fmt.Println("\nCanceling...")
			if err := client.CancelRun(ctx, runID); err != nil {
				log.Errorf(ctx, err, "failed to cancel run %s", runID)
			}
		case <-done:
		}
	}()

	if transport == "ws" {
		return client.TailWebSocket(ctx, runID, fn)
	}
	return client.TailSSE(ctx, runID, fn)
}
