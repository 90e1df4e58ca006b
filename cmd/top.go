package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"

	"github.com/arborlabs/arbor/internal/actor"
)

func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live worker/service view of a running node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Debug endpoint address of the node",
				Value: "127.0.0.1:6480",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Refresh interval",
				Value: time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("addr"), c.Duration("interval"))
		},
	}
}

func fetchState(addr string) (*actor.NodeState, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/debug/state", addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var state actor.NodeState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

func runTop(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: init terminal: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "arbor"
	header.SetRect(0, 0, 100, 3)

	table := widgets.NewTable()
	table.Title = "services"
	table.RowSeparator = false
	table.SetRect(0, 3, 100, 40)

	render := func() {
		state, err := fetchState(addr)
		if err != nil {
			header.Text = fmt.Sprintf("%s — unreachable: %v", addr, err)
			table.Rows = [][]string{{"id", "name", "worker", "queue", "cpu", "mem", "suspended"}}
			ui.Render(header, table)
			return
		}
		var services, sockets int
		rows := [][]string{{"id", "name", "worker", "queue", "cpu", "mem", "suspended"}}
		for _, w := range state.Workers {
			services += len(w.Services)
			sockets += len(w.Sockets)
			for _, s := range w.Services {
				rows = append(rows, []string{
					fmt.Sprintf("%d", s.ID),
					s.Name,
					fmt.Sprintf("%d", s.Worker),
					fmt.Sprintf("%d", s.QueueLen),
					time.Duration(s.CPUNanos).String(),
					fmt.Sprintf("%d", s.MemUsed),
					fmt.Sprintf("%d", s.Suspended),
				})
			}
		}
		header.Text = fmt.Sprintf("%s  sid=%d  boot=%s  workers=%d  services=%d  sockets=%d  fds=%d",
			state.Name, state.SID, state.BootID, len(state.Workers), services, sockets, state.LiveFDs)
		table.Rows = rows
		ui.Render(header, table)
	}

	render()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
				return nil
			}
		case <-ticker.C:
			render()
		}
	}
}
