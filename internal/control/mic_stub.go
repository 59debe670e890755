//go:build !portaudio

package control

import (
	"github.com/spf13/cobra"
)

func newMicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available microphones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println("build with '-tags portaudio' to enable microphone listing (PortAudio required)")
			return nil
		},
	}
}
