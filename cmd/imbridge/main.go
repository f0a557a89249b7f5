package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "imbridge",
		Short: "IM channel bridge",
		Long:  "imbridge connects chat platforms to a downstream message gateway, one adapter per process.",
	}

	root.AddCommand(feishuCmd())
	root.AddCommand(wechatCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
