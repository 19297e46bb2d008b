package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"AuctionMesh/internal/operator"
)

var (
	runText    string
	runTaskID  string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [text]",
	Short: "在前台执行一次任务并以 JSON 输出结果",
	Long: `run 不经过任务队列，直接拆解并编排一个任务。
任务文本可以来自参数、--text 或标准输入（使用 "-"）。`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := runText
		if len(args) == 1 {
			text = args[0]
		}
		if text == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return errors.New("任务文本不能为空")
		}
		return runOnce(cmd.Context(), cmd.OutOrStdout(), text)
	},
}

func init() {
	runCmd.Flags().StringVar(&runText, "text", "", "任务文本，每行一个子任务（lines 拆解器）")
	runCmd.Flags().StringVar(&runTaskID, "id", "", "任务 ID，默认随机生成")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "整体超时，0 表示不限制")
}

func runOnce(ctx context.Context, out io.Writer, text string) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	a.startArbiter(ctx)

	orchestrator, err := a.newOrchestrator(operator.LogSink{}, nil)
	if err != nil {
		return err
	}

	id := runTaskID
	if id == "" {
		id = uuid.NewString()
	}
	result, err := orchestrator.Run(ctx, operator.TaskRequest{ID: id, RawText: text, CreatedAt: time.Now()})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.OverallStatus == operator.OverallFailed {
		return fmt.Errorf("任务 %s 失败: %s", id, result.FailureReason)
	}
	return nil
}
