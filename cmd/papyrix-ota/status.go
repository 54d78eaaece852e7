package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local A/B slots",
		Long:  "Show the slot files and the boot selection recorded in otadata.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", config.DefaultPath, "Configuration file")
	cmd.Flags().StringVar(&stateDirFlag, "state-dir", "", "Slot directory (overrides storage.dir)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("state-dir") {
		cfg.Storage.Dir = stateDirFlag
	}

	slots, err := storage.Open(cfg.Storage.Dir, cfg.Storage.SlotSize)
	if err != nil {
		return err
	}
	infos, seq, err := slots.Info()
	if err != nil {
		return err
	}

	fmt.Printf("State dir: %s\n", slots.Dir())
	fmt.Printf("Sequence:  %d\n\n", seq)
	for _, info := range infos {
		marker := " "
		if info.Boot {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, info.Region.Label)
		fmt.Printf("    Path: %s\n", info.Path)
		if info.Size > 0 {
			fmt.Printf("    Size: %d bytes\n", info.Size)
		} else {
			fmt.Printf("    Size: empty\n")
		}
	}

	return nil
}
