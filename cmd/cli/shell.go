package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const Prompt = "durakv> "

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellLoop()
		},
	}
}

func runShellCommand(args []string) {
	cmd := &cobra.Command{
		Use:           "",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(dataCommands()...)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func shellLoop() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            Prompt,
		HistoryFile:       filepath.Join(os.TempDir(), "durakv_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Wrap(err, "start shell")
	}
	defer l.Close()

	fmt.Printf("durakv shell on %s. Type 'help' for commands.\n", globalStore.Dir())
	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Println("Bye!")
			return nil
		}
		runShellCommand(strings.Fields(line))
	}
}
