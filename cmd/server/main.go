// Package main 是服务端的入口点
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nexusvoice-server/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nexusvoice-server",
	Short: "NexusVoice 对话服务",
	Long: `NexusVoice 对话服务端

管理对话生命周期与消息序号，提供 HTTP API 和 WebSocket 事件推送。

不带子命令运行时等同于 serve。`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs", "配置文件目录")
}

// loadConfig 加载 --config 指定目录下的 config.yaml
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
