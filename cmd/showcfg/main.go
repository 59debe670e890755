package main

import (
	"fmt"

	"dictum/internal/config"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	fmt.Printf("provider=%s language=%s\n", cfg.Provider.Name, cfg.Provider.Language)
	fmt.Printf("server=%s:%d model=%s\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.ModelPath)
	fmt.Printf("streaming enabled=%v interval=%dms threshold=%.0f\n",
		cfg.Streaming.Enabled, cfg.Streaming.IntervalMS, cfg.Streaming.SilenceThreshold)
	fmt.Printf("hook.command=%q prefix=%q\n", cfg.Hook.Command, cfg.Hook.Prefix)
}
