package main

import (
	"fmt"
	"strings"
	"time"

	"freepress/pkg/node"
	"freepress/pkg/types"
	"freepress/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	accentColor  = lipgloss.Color("#42c767")
	warningColor = lipgloss.Color("#ff9f43")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 2).
			MarginBottom(1)

	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(18)
	valueStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
)

func printField(label, value string) {
	fmt.Println(labelStyle.Render(label) + valueStyle.Render(value))
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffffff")).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...).
		Render()
}

func panel(title string, lines ...string) string {
	content := lipgloss.JoinVertical(lipgloss.Left, append([]string{titleStyle.Render(title)}, lines...)...)
	return panelStyle.Render(content)
}

func healthStyle(state string) lipgloss.Style {
	switch state {
	case "SufficientlyHealthy":
		return successStyle
	case "MinimallyHealthy":
		return lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	case "Unhealthy":
		return warningStyle
	default:
		return dangerStyle
	}
}

func deliveryStyle(s types.DeliveryState) lipgloss.Style {
	switch s {
	case types.DeliveryAcknowledged:
		return successStyle
	case types.DeliveryIrrecoverableError:
		return dangerStyle
	default:
		return warningStyle
	}
}

func eventStyle(kind string) lipgloss.Style {
	switch {
	case strings.HasPrefix(kind, "health"):
		return warningStyle
	case strings.HasPrefix(kind, "manifest"):
		return successStyle
	default:
		return titleStyle
	}
}

func formatBytes(n int64) string { return utils.FormatDataSize(n) }

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "…" + id[len(id)-6:]
}

func displayTitle(title string) string {
	if title == "" {
		return "(untitled)"
	}
	return title
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node health, identity, pipeline and announcement state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Print(renderStatus(c.BaseURL(), st))
			return nil
		},
	}
}

func renderStatus(baseURL string, st node.Status) string {
	var b strings.Builder

	pub := mutedStyle.Render("none (run freepress keygen)")
	if st.PubKey != "" {
		pub = valueStyle.Render(st.PubKey)
	}
	b.WriteString(panel("FreePress node",
		field("API", valueStyle.Render(baseURL)),
		field("Sender", valueStyle.Render(st.SenderID)),
		field("Publisher key", pub),
		field("Up since", valueStyle.Render(since(st.StartedAt))),
	))
	b.WriteString("\n")

	b.WriteString(panel("Network",
		field("Health", healthStyle(st.Health).Render(st.Health)),
		field("Substrate", valueStyle.Render(st.Substrate)),
		field("Topic", valueStyle.Render(st.Topic)),
		field("Peers", valueStyle.Render(fmt.Sprintf("%d connected, %d on topic", st.Signal.ConnectedPeers, st.Signal.TopicPeers))),
		field("Content store", reachable(st.Signal.StoreReachable)),
	))
	b.WriteString("\n")

	p := st.Pipeline
	pipeline := []string{
		field("State", valueStyle.Render(p.StateName)),
		field("Runs", valueStyle.Render(fmt.Sprintf("%d ok, %d partial, %d failed", p.Successes, p.Partials, p.Failures))),
	}
	if p.LastResult != nil {
		pipeline = append(pipeline,
			field("Last site", valueStyle.Render(p.LastResult.SiteCID)),
			field("Last size", valueStyle.Render(formatBytes(p.LastResult.SizeBytes))))
	}
	if p.LastError != "" {
		pipeline = append(pipeline, field("Last error", dangerStyle.Render(p.LastError)))
	}
	if !p.NextRunAt.IsZero() {
		pipeline = append(pipeline, field("Next run", valueStyle.Render(p.NextRunAt.Local().Format(time.DateTime))))
	}
	b.WriteString(panel("Pipeline", pipeline...))
	b.WriteString("\n")

	announce := []string{
		field("Manifests known", valueStyle.Render(fmt.Sprintf("%d", st.Manifests))),
		field("Sites pinned", valueStyle.Render(fmt.Sprintf("%d", st.Mirrors))),
	}
	if a := st.LastAnnouncement; a != nil {
		announce = append(announce,
			field("Last manifest", valueStyle.Render(a.Manifest.ManifestCID)),
			field("Delivery", deliveryStyle(a.State).Render(a.State.String())),
			field("Attempts", valueStyle.Render(fmt.Sprintf("%d", a.Attempts))))
		if a.Error != "" {
			announce = append(announce, field("Error", dangerStyle.Render(a.Error)))
		}
	}
	b.WriteString(panel("Announcements", announce...))
	b.WriteString("\n")
	return b.String()
}

func reachable(ok bool) string {
	if ok {
		return successStyle.Render("reachable")
	}
	return dangerStyle.Render("unreachable")
}
