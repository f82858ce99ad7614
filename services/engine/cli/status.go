package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	redisstore "github.com/ramiqadoumi/tbwo/internal/redis"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/services/engine"
	"github.com/ramiqadoumi/tbwo/services/engine/config"
)

var (
	statusFilter string
	statusLimit  int
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List work orders in the configured store",
	Long: `List work orders with their budget use.

When redis_addr is set, progress and cost come from the live status the
running engines publish; otherwise they are derived from the stored record.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "comma-separated statuses to show (default: all)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum rows")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo, err := engine.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	f := store.Filter{Limit: statusLimit}
	for _, s := range strings.Split(statusFilter, ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.Statuses = append(f.Statuses, domain.WorkOrderStatus(s))
		}
	}
	wos, err := repo.ListWorkOrders(ctx, f)
	if err != nil {
		return err
	}

	rows := make([]domain.LiveStatus, 0, len(wos))
	for _, wo := range wos {
		rows = append(rows, stored(wo))
	}
	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = client.Close() }()
		live := redisstore.NewStatusStore(client)
		for i := range rows {
			if st, err := live.GetStatus(ctx, rows[i].WorkOrderID); err == nil {
				rows[i] = st
			}
		}
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	renderStatus(cmd.OutOrStdout(), wos, rows)
	return nil
}

// stored derives a status row from the persisted record alone.
func stored(wo *domain.WorkOrder) domain.LiveStatus {
	st := domain.LiveStatus{
		WorkOrderID:    wo.ID,
		Status:         wo.Status,
		ElapsedMinutes: wo.TimeBudget.ElapsedMinutes,
		TotalMinutes:   wo.TimeBudget.TotalMinutes,
		TokensUsed:     wo.Contract.Usage.Tokens,
		CostUSD:        wo.Contract.Usage.CostUSD,
		UpdatedAt:      wo.UpdatedAt,
	}
	if wo.PendingPause != nil {
		st.PendingQuestion = wo.PendingPause.Question
	}
	if wo.Plan != nil {
		st.TasksRemaining = plan.Remaining(wo.Plan)
		st.Progress = plan.Progress(wo.Plan)
	}
	return st
}

func renderStatus(out io.Writer, wos []*domain.WorkOrder, rows []domain.LiveStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Objective", "Status", "Progress", "Budget (min)", "Tokens", "Cost", "Question"})
	for i, st := range rows {
		tw.AppendRow(table.Row{
			st.WorkOrderID,
			clip(wos[i].Objective, 40),
			st.Status,
			fmt.Sprintf("%.0f%%", st.Progress*100),
			fmt.Sprintf("%.1f / %.1f", st.ElapsedMinutes, st.TotalMinutes),
			st.TokensUsed,
			fmt.Sprintf("$%.4f", st.CostUSD),
			clip(st.PendingQuestion, 40),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "total", len(rows)})
	tw.Render()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
