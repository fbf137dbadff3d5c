package main

import (
	"os"

	"github.com/Khawar13/Secure-chat/cmd/securechat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
