// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

func newChatCmd() *cobra.Command {
	var userID, conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat REPL against the local engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return memerr.New(memerr.CodeCLIInputInvalid, "--user is required")
			}
			if conversationID == "" {
				conversationID = "conv-" + uuid.NewString()
			}

			app, err := wire()
			if err != nil {
				return err
			}
			defer app.close()

			fmt.Printf("memoria chat — user %s, conversation %s (ctrl-d to exit)\n", userID, conversationID)

			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				result, err := app.engine.AssembleAndAnswer(cmd.Context(), userID, conversationID, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}

				fmt.Println(result.AssistantText)
				if len(result.CitedMemoryIDs) > 0 {
					fmt.Printf("(memories: %s)\n", strings.Join(result.CitedMemoryIDs, ", "))
				}
			}
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (generated when omitted)")
	return cmd
}
