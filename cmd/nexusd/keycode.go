package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newKeycodeCmd() *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "keycode [symbols]",
		Short: "Feed a keycode into the stored core, one symbol at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			core, backend, err := openCore(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			defer core.Shutdown()

			reqID := uuid.New()
			sugar := logger.Sugar()
			frame := args[0]

			if complete {
				ok := core.HandleCompleteKeycode([]byte(frame))
				sugar.Infow("keycode applied", "request_id", reqID, "valid", ok)
				fmt.Println("valid:", ok)
				return nil
			}

			for i := 0; i < len(frame); i++ {
				core.HandleSingleKey(frame[i])
			}
			// keys only enqueue; one tick drains them through MAS and
			// the host logs each feedback callout
			core.Process(0)
			sugar.Infow("keycode fed", "request_id", reqID, "symbols", len(frame))
			fmt.Println("fed", len(frame), "symbols")
			return nil
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "treat the argument as an already-assembled frame")
	return cmd
}
