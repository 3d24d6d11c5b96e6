// Package cmd 命令行入口：serve 启动 HTTP 服务，projects / batch 用于本地运维
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "storytocomic",
	Short: "StoryToComic - turn tutorial videos into illustrated storyboards",
	Long: `StoryToComic captures key frames from a video, groups them into steps and
drives an AI provider through storyboard, character, panel, caption and cover stages.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config/config.yaml)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(batchCmd())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
