package wizard

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/serversentinel/sentinel/internal/agent"
)

func runSummary(cfg *agent.Config) (bool, error) {
	fmt.Println()
	fmt.Println("  ┌─────────────── Summary ───────────────┐")
	fmt.Printf("  │ Server:   %-28s │\n", truncate(cfg.ServerURL, 28))
	fmt.Printf("  │ Client:   %-28s │\n", truncate(cfg.ClientID, 28))
	fmt.Printf("  │ Password: %-28s │\n", "********")
	fmt.Printf("  │ TLS Skip: %-28v │\n", cfg.InsecureSkipTLS)
	fmt.Printf("  │ Interval: %-28s │\n", fmt.Sprintf("%d seconds", cfg.IntervalSeconds))
	fmt.Printf("  │ Disk:     %-28s │\n", truncate(cfg.DiskPath, 28))
	fmt.Println("  └────────────────────────────────────────┘")
	fmt.Println()

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this configuration?").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
