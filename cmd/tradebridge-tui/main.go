package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tradebridge/tradebridge/internal/tui/app"
	"github.com/tradebridge/tradebridge/internal/tui/client"
)

func main() {
	baseURL := flag.String("url", "ws://127.0.0.1:8090", "URL of the tradebridge bridge server")
	token := flag.String("token", "", "Auth token (if the bridge requires it)")
	logPath := flag.String("log", "", "Write logs to this file instead of discarding them")
	flag.Parse()

	// The terminal belongs to the UI.
	log.SetOutput(io.Discard)
	if *logPath != "" {
		f, err := tea.LogToFile(*logPath, "tui")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	m := app.New(client.New(*baseURL, *token))
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
