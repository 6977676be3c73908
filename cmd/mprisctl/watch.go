package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"mprisctl/internal/infrastructure/distributed"
	redisrepo "mprisctl/internal/infrastructure/repositories/redis"
	"mprisctl/pkg/utils"

	"github.com/spf13/cobra"
)

func newWatchCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow events published by a running server through Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			if !cfg.Redis.Enabled {
				return errors.New("watch needs redis.enabled in the configuration")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
				Address:  cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: 1,
			}, log)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			return distributed.Follow(ctx, client, eventsChannel(cfg), "", log, func(env distributed.Envelope) {
				if asJSON {
					_ = enc.Encode(env)
					return
				}
				fmt.Fprintln(out, formatEnvelope(env))
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw envelopes")
	return cmd
}

const maxValueWidth = 60

func formatEnvelope(env distributed.Envelope) string {
	ev := env.Event
	line := env.Timestamp.Format("15:04:05.000") + " " + string(ev.Kind)
	switch {
	case ev.Property != "":
		value := utils.TruncateString(utils.SanitizeString(fmt.Sprint(ev.Value)), maxValueWidth)
		line += fmt.Sprintf(" %s=%s", ev.Property, value)
	case len(ev.Peers) > 0:
		line += fmt.Sprintf(" %v", ev.Peers)
	case ev.Peer != "":
		line += " " + string(ev.Peer)
	}
	if ev.Position > 0 {
		line += " at " + utils.FormatPlaybackTime(ev.Position)
	}
	return line
}
