package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nanoclaw %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show groups, cursors, sessions and tasks",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output machine-readable JSON")
}

type groupStatus struct {
	store.RegisteredGroup
	AgentCursor string `json:"agentCursor,omitempty"`
	Pending     int    `json:"pending"`
	Session     string `json:"session,omitempty"`
}

type statusReport struct {
	Version    string                `json:"version"`
	ConfigPath string                `json:"configPath"`
	StorePath  string                `json:"storePath"`
	Channels   []string              `json:"channels"`
	SeenCursor string                `json:"seenCursor"`
	LastSync   string                `json:"lastGroupSync,omitempty"`
	Groups     []groupStatus         `json:"groups"`
	Tasks      []store.ScheduledTask `json:"tasks"`

	Gateway      *gatewayStatus `json:"gateway,omitempty"`
	GatewayError string         `json:"gatewayError,omitempty"`
}

// gatewayStatus is what a running gateway serves at /status.
type gatewayStatus struct {
	StartedAt      time.Time         `json:"startedAt"`
	Queue          queue.Status      `json:"queue"`
	PendingInbound int               `json:"pendingInbound"`
	Sessions       map[string]string `json:"sessions,omitempty"`
}

func statusHandler(fn func() gatewayStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fn())
	})
}

var statusClient = &http.Client{Timeout: 2 * time.Second}

func fetchGatewayStatus(addr string) (*gatewayStatus, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	resp, err := statusClient.Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway status: %s", resp.Status)
	}
	var gs gatewayStatus
	if err := json.NewDecoder(resp.Body).Decode(&gs); err != nil {
		return nil, fmt.Errorf("decode gateway status: %w", err)
	}
	return &gs, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := buildStatus(cfg, st)
	if err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		if gs, err := fetchGatewayStatus(cfg.Metrics.Addr); err != nil {
			report.GatewayError = err.Error()
		} else {
			report.Gateway = gs
		}
	}
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, report)
	}
	printStatus(w, report)
	return nil
}

func buildStatus(cfg *config.Config, st *store.Store) (*statusReport, error) {
	path, _ := config.ConfigPath()
	r := &statusReport{Version: version, ConfigPath: path, StorePath: cfg.Paths.StorePath}
	for name, on := range map[string]bool{
		"telegram": cfg.Channels.Telegram.Enabled,
		"whatsapp": cfg.Channels.WhatsApp.Enabled,
		"slack":    cfg.Channels.Slack.Enabled,
		"kafka":    cfg.Channels.Kafka.Enabled,
	} {
		if on {
			r.Channels = append(r.Channels, name)
		}
	}
	sort.Strings(r.Channels)

	var err error
	if r.SeenCursor, err = st.GetRouterState(store.KeyLastTimestamp); err != nil {
		return nil, err
	}
	if r.LastSync, err = st.GetRouterState(store.KeyLastGroupSync); err != nil {
		return nil, err
	}
	agentTs := map[string]string{}
	if raw, err := st.GetRouterState(store.KeyLastAgentTimestamp); err != nil {
		return nil, err
	} else if raw != "" {
		_ = json.Unmarshal([]byte(raw), &agentTs)
	}
	sessions, err := st.AllSessions()
	if err != nil {
		return nil, err
	}
	groups, err := st.AllRegisteredGroups()
	if err != nil {
		return nil, err
	}
	prefix := cfg.Assistant.Name + ":"
	for jid, g := range groups {
		pending, err := st.GetMessagesSince(jid, agentTs[jid], r.SeenCursor, prefix)
		if err != nil {
			return nil, err
		}
		r.Groups = append(r.Groups, groupStatus{
			RegisteredGroup: g,
			AgentCursor:     agentTs[jid],
			Pending:         len(pending),
			Session:         sessions[g.Folder],
		})
	}
	sort.Slice(r.Groups, func(i, j int) bool { return r.Groups[i].Folder < r.Groups[j].Folder })
	if r.Tasks, err = st.AllTasks(); err != nil {
		return nil, err
	}
	return r, nil
}

func printStatus(w io.Writer, r *statusReport) {
	printHeader(w, "nanoclaw status")
	fmt.Fprintf(w, "Version: %s\n", r.Version)
	fmt.Fprintf(w, "Config:  %s\n", r.ConfigPath)
	fmt.Fprintf(w, "Store:   %s\n", r.StorePath)
	if len(r.Channels) == 0 {
		warn(w, "No channels enabled")
	} else {
		ok(w, "Channels: %v", r.Channels)
	}
	fmt.Fprintf(w, "Seen cursor: %s\n", orDash(r.SeenCursor))
	fmt.Fprintf(w, "Last group sync: %s\n", orDash(r.LastSync))

	fmt.Fprintf(w, "\nGroups (%d):\n", len(r.Groups))
	for _, g := range r.Groups {
		line := fmt.Sprintf("  %-16s %-32s cursor=%s", g.Folder, g.JID, orDash(g.AgentCursor))
		if g.Pending > 0 {
			line += color.YellowString(" pending=%d", g.Pending)
		}
		if g.Session != "" {
			line += " session=" + g.Session
		}
		fmt.Fprintln(w, line)
	}

	switch {
	case r.Gateway != nil:
		printGateway(w, r.Gateway)
	case r.GatewayError != "":
		warn(w, "Gateway not reachable: %s", r.GatewayError)
	}

	fmt.Fprintf(w, "\nTasks (%d):\n", len(r.Tasks))
	for _, t := range r.Tasks {
		fmt.Fprintf(w, "  %s  %-8s %-8s %s=%s next=%s\n", t.ID, t.GroupFolder, t.Status, t.ScheduleType, t.ScheduleValue, formatTime(t.NextRun))
	}
}

func printGateway(w io.Writer, gs *gatewayStatus) {
	q := gs.Queue
	ok(w, "Gateway up since %s", gs.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Slots: %d/%d busy, %d waiting, %d inbound pending\n", q.Active, q.MaxConcurrent, q.Waiting, gs.PendingInbound)
	fmt.Fprintf(w, "\nLanes (%d):\n", len(q.Lanes))
	for _, l := range q.Lanes {
		line := fmt.Sprintf("  %-32s %-8s", l.GroupJID, l.State)
		if l.ContainerName != "" {
			line += " container=" + l.ContainerName
		}
		if l.RunningTask != "" {
			line += " task=" + l.RunningTask
		}
		if l.State == queue.StateBackoff.String() {
			line += color.YellowString(" attempts=%d retry=%s", l.Attempts, l.RetryAt.Local().Format("15:04:05"))
		}
		fmt.Fprintln(w, line)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
