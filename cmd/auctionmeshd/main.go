package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "auctionmeshd",
	Short: "AuctionMesh 编排守护进程",
	Long: `auctionmeshd 把自由文本任务拆解为子任务，为每个子任务在账本上发起拍卖，
等待拍卖结算后把子任务交给中标智能体执行，并汇总结果。

serve 启动 HTTP 接口与任务处理器；run 在前台执行一次任务并输出结果。`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AUCTIONMESH_CONFIG"),
		"配置文件路径（JSON 或 YAML），为空时只使用默认值与 AUCTIONMESH_* 环境变量")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

// main 是 AuctionMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "auctionmeshd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
