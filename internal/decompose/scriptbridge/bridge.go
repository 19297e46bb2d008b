package scriptbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"AuctionMesh/internal/decompose"
)

// Client 通过调用外部脚本完成任务拆解。脚本从 stdin 读取
// {"task": string, "timestamp": int}，在 stdout 输出子任务 JSON。
type Client struct {
	executable string
	scriptPath string
	workingDir string
}

// NewClient 创建脚本桥接客户端。
func NewClient(executable, scriptPath, workingDir string) (*Client, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return nil, fmt.Errorf("未指定拆解脚本路径")
	}
	if executable == "" {
		executable = "python3"
	}
	return &Client{
		executable: executable,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Decompose 调用外部脚本，并解析输出。
func (c *Client) Decompose(ctx context.Context, text string) ([]decompose.Spec, error) {
	encoded, err := json.Marshal(map[string]any{
		"task":      text,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.executable, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)
	command.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("执行拆解脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	specs, err := decompose.ParseSubtasks(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("解析脚本输出失败: %w", err)
	}
	return specs, nil
}
