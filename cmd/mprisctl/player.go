package main

import (
	"context"
	"fmt"
	"strconv"
	"text/template"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/internal/core/services"
	"mprisctl/internal/infrastructure/repositories"
	"mprisctl/pkg/config"
	"mprisctl/pkg/eventloop"
	"mprisctl/pkg/utils"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const peerTemplate = `{{ if .Active }}{{ "*" | bold | green }}{{ else }} {{ end }} {{ .ID | bold }}
    {{ "Identity" | faint }}: {{ .Identity }}
    {{ "Status" | faint }}: {{ .PlaybackStatus }}
`

const statusTemplate = `{{ "Active" | faint }}: {{ if .Peer }}{{ .Peer | bold | green }}{{ else }}{{ "none" | red }}{{ end }}
{{ "Mode" | faint }}: {{ .Mode }}{{ if .Pinned }} ({{ .Pinned }}){{ end }}
{{ "Status" | faint }}: {{ .State.PlaybackStatus }}
{{ "Track" | faint }}: {{ .State.Metadata.Title }}{{ with .State.Metadata.Artist }} - {{ join . }}{{ end }}
{{ "Position" | faint }}: {{ .Position }}{{ if .Length }} / {{ .Length }}{{ end }}
{{ "Volume" | faint }}: {{ printf "%.2f" .State.Volume }}
`

type status struct {
	Peer     domain.PeerID
	Mode     domain.ArbitrationMode
	Pinned   domain.PeerID
	State    domain.PlayerState
	Position string
	Length   string
}

func parseTemplate(text string) (*template.Template, error) {
	funcs := template.FuncMap{}
	for name, fn := range promptui.FuncMap {
		funcs[name] = fn
	}
	funcs["join"] = func(s []string) string { return utils.JoinStrings(", ", s...) }
	return template.New("").Funcs(funcs).Parse(text)
}

// client is a short-lived controller for one command.
type client struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	loop     *eventloop.Loop
	bus      ports.Bus
	ctrl     *services.Controller
	repos    *repositories.RepositoryFactory
	stopLoop func()
	settle   time.Duration
}

type inFlighter interface {
	InFlight() int
}

func (o *options) connect(ctx context.Context) (*client, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Bus.Kind == config.BusMemory {
		return nil, fmt.Errorf("one-shot commands need a session or system bus")
	}
	c := &client{cfg: cfg, log: log, loop: eventloop.New(), settle: o.settle}
	c.repos = repositories.NewRepositoryFactory(ctx, cfg, log)
	c.stopLoop = runLoop(c.loop)

	c.bus, err = openBus(ctx, cfg, c.loop, log, nil)
	if err != nil {
		c.stopLoop()
		c.repos.Close()
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	c.ctrl = newController(cfg, c.bus, c.loop, c.repos.CreatePreferenceRepository(), log, nil)
	if err := c.ctrl.Start(ctx); err != nil {
		c.bus.Close()
		c.stopLoop()
		c.repos.Close()
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// wait returns once no peer is pending and no round-trip is outstanding.
func (c *client) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.settle)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.inFlight() == 0 {
			pending := 0
			if err := c.loop.Do(ctx, func() { pending = len(c.ctrl.Pending()) }); err != nil {
				return fmt.Errorf("players did not answer within %s: %w", utils.FormatDuration(c.settle), err)
			}
			if pending == 0 && c.inFlight() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("players did not answer within %s: %w", utils.FormatDuration(c.settle), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *client) inFlight() int {
	if f, ok := c.bus.(inFlighter); ok {
		return f.InFlight()
	}
	return 0
}

// run executes fn on the loop, waits for the resulting round-trips and
// reports a refusal, either local or from the peer.
func (c *client) run(ctx context.Context, fn func(*services.Controller) error) error {
	var err, before error
	if doErr := c.loop.Do(ctx, func() {
		before = c.ctrl.LastError()
		err = fn(c.ctrl)
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	var after error
	if doErr := c.loop.Do(ctx, func() { after = c.ctrl.LastError() }); doErr != nil {
		return doErr
	}
	if after != nil && after != before {
		return after
	}
	return nil
}

func (c *client) close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := c.ctrl.Close(ctx); err != nil {
		c.log.Warnw("error closing controller", "error", err)
	}
	c.stopLoop()
	if err := c.repos.Close(); err != nil {
		c.log.Warnw("error closing repositories", "error", err)
	}
	c.log.Sync()
}

// withClient wires a cobra RunE that connects, runs fn and disconnects.
func withClient(opts *options, fn func(cmd *cobra.Command, c *client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := opts.connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.close()
		return fn(cmd, c, args)
	}
}

func newPlayerCommands(opts *options) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List the players on the bus",
			Args:    cobra.NoArgs,
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, _ []string) error {
				tpl, err := parseTemplate(peerTemplate)
				if err != nil {
					return err
				}
				var peers []domain.PeerInfo
				if err := c.loop.Do(cmd.Context(), func() { peers = c.ctrl.Peers() }); err != nil {
					return err
				}
				for _, peer := range peers {
					if err := tpl.Execute(cmd.OutOrStdout(), peer); err != nil {
						return fmt.Errorf("failed to display peer %q: %w", peer.ID, err)
					}
				}
				return nil
			}),
		},
		{
			Use:   "status",
			Short: "Show the active player",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, _ []string) error {
				tpl, err := parseTemplate(statusTemplate)
				if err != nil {
					return err
				}
				var st status
				if err := c.loop.Do(cmd.Context(), func() {
					st.Peer, _ = c.ctrl.ActivePeer()
					st.Mode = c.ctrl.Mode()
					st.Pinned, _ = c.ctrl.Pinned()
					st.State = c.ctrl.State()
					st.Position = utils.FormatPlaybackTime(c.ctrl.Position())
					if st.State.Metadata.HasLength() {
						st.Length = utils.FormatPlaybackTime(st.State.Metadata.Length.Milliseconds())
					}
				}); err != nil {
					return err
				}
				return tpl.Execute(cmd.OutOrStdout(), st)
			}),
		},
		{
			Use:   "seek OFFSET",
			Short: "Move the playhead by a signed duration such as -10s",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, args []string) error {
				offset, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid offset: %w", err)
				}
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					return ctrl.Seek(offset.Milliseconds())
				})
			}),
		},
		{
			Use:   "position POSITION",
			Short: "Jump to a position in the current track, such as 1m30s",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, args []string) error {
				position, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid position: %w", err)
				}
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					return ctrl.SetPositionMs(position.Milliseconds())
				})
			}),
		},
		{
			Use:   "volume LEVEL",
			Short: "Set the volume, where 1.0 is full volume",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, args []string) error {
				level, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return fmt.Errorf("invalid volume: %w", err)
				}
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					return ctrl.SetVolume(level)
				})
			}),
		},
		{
			Use:   "open URI",
			Short: "Ask the active player to open a URI",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, args []string) error {
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					return ctrl.OpenURI(args[0])
				})
			}),
		},
		{
			Use:   "pin [PEER]",
			Short: "Keep a player active, or the current one when none is named",
			Args:  cobra.MaximumNArgs(1),
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, args []string) error {
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					if len(args) == 0 {
						return ctrl.PinActive()
					}
					return ctrl.Pin(domain.PeerID(args[0]))
				})
			}),
		},
		{
			Use:   "unpin",
			Short: "Return to automatic player selection",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, _ []string) error {
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					ctrl.Unpin()
					return nil
				})
			}),
		},
	}

	for _, name := range services.CommandNames() {
		cmds = append(cmds, &cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Send %s to the active player", name),
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(cmd *cobra.Command, c *client, _ []string) error {
				return c.run(cmd.Context(), func(ctrl *services.Controller) error {
					return ctrl.Command(name)
				})
			}),
		})
	}
	return cmds
}
