package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/logger"
	"github.com/loykin/svcguard/internal/profile"
)

func runInitData(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	hc := profile.NewHostContext(profile.Mode(cfg.Mode), cfg.ResourcesDir, cfg.DataDir, cfg.LogDir)
	p, err := profile.APIProfile(hc, cfg.API)
	if err != nil {
		return err
	}
	if p.DataStore == nil {
		_, _ = fmt.Fprintln(out, "no data store configured for the api service")
		return nil
	}
	p.DataStore.Logger = logger.New(cfg.Log, os.Stderr)
	res, err := p.DataStore.Ensure(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", p.DataStore.TargetPath, res)
	return nil
}
