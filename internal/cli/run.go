package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/reconcile"
	"github.com/roach88/hnmd/internal/relay"
	"github.com/roach88/hnmd/internal/runtime"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var relays []string
	var watch bool

	cmd := &cobra.Command{
		Use:          "run <file>",
		Short:        "Render a document against live relay data",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocument(cmd.Context(), args[0], relays, watch, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVarP(&relays, "relay", "r", []string{"wss://relay.damus.io"}, "relay URL (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the document on file change")
	return cmd
}

func runDocument(parent context.Context, path string, relays []string, watch bool, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	doc, err := document.Load(path)
	if err != nil {
		return err
	}

	pool, err := relay.DialPool(ctx, relays, slog.Default())
	if err != nil {
		return err
	}
	defer pool.Close()

	rt, err := runtime.New(doc, pool, &opPrinter{out: out}, slog.Default())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })

	if watch {
		g.Go(func() error {
			return document.Watch(gctx, path, slog.Default(), func() {
				fresh, err := document.Load(path)
				if err != nil {
					slog.Warn("reload failed", slog.String("error", err.Error()))
					return
				}
				if err := rt.Reload(fresh); err != nil {
					slog.Warn("reload rejected", slog.String("error", err.Error()))
				}
			})
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return nil // clean shutdown on signal
	}
	return err
}

// opPrinter is a stand-in widget layer: it prints each pass's edit
// operations so document changes are visible from a terminal.
type opPrinter struct {
	out  io.Writer
	pass int
}

func (p *opPrinter) Apply(ops []reconcile.Op) {
	p.pass++
	fmt.Fprintf(p.out, "pass %d: %s\n", p.pass, summarize(ops))
}

func summarize(ops []reconcile.Op) string {
	var keep, rebuild, add, remove int
	var walk func(ops []reconcile.Op)
	walk = func(ops []reconcile.Op) {
		for _, op := range ops {
			switch op.Kind {
			case reconcile.OpKeep:
				keep++
			case reconcile.OpRebuild:
				rebuild++
			case reconcile.OpAdd:
				add++
			case reconcile.OpRemove:
				remove++
			}
			walk(op.Children)
		}
	}
	walk(ops)
	return fmt.Sprintf("keep=%d rebuild=%d add=%d remove=%d", keep, rebuild, add, remove)
}
