// Command ui uploads one CSV file to the predictor and shows the predictions
// next to the input rows.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/animus-labs/custsat/internal/platform/env"
)

func main() {
	if err := env.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(2)
	}
	url := env.String("CUSTSAT_PREDICTOR_URL", "http://localhost:8081/")
	token := env.String("CUSTSAT_PREDICTOR_TOKEN", "")
	output := env.String("CUSTSAT_UI_OUTPUT", "predicted.csv")
	timeout, err := env.Duration("CUSTSAT_PREDICTOR_TIMEOUT", 60*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		os.Exit(2)
	}

	client := newPredictorClient(context.Background(), url, token, timeout)
	p := tea.NewProgram(newModel(client, output), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running UI: %v\n", err)
		os.Exit(1)
	}
}
