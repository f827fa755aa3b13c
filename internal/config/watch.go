package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// stamp identifies a version of the config file.
type stamp struct {
	mod  time.Time
	size int64
}

func (s stamp) same(o stamp) bool { return s.mod.Equal(o.mod) && s.size == o.size }

func statFile(path string) (stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}, err
	}
	return stamp{mod: info.ModTime(), size: info.Size()}, nil
}

// Watch loads the config, hands it to onUpdate and then polls the file every
// interval, calling onUpdate again whenever a changed version loads and
// validates. A version that fails is logged once and the previous config
// stays in effect.
func Watch(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger, onUpdate func(*Config)) error {
	path = ResolvePath(path)
	if interval <= 0 {
		interval = 30 * time.Second
	}

	cfg, err := Load(path)
	if err != nil {
		return err
	}
	seen, err := statFile(path)
	if err != nil {
		return err
	}
	if onUpdate != nil {
		onUpdate(cfg)
	}

	log := logger.With().Str("component", "config").Str("path", path).Logger()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			cur, err := statFile(path)
			if err != nil || cur.same(seen) {
				continue
			}
			seen = cur

			next, err := Load(path)
			if err != nil {
				log.Error().Err(err).Msg("config reload failed, keeping previous")
				continue
			}
			log.Info().Msg("config reloaded")
			if onUpdate != nil {
				onUpdate(next)
			}
		}
	}()
	return nil
}
