package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/companyzero/protoengine/lockfile"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protocols/mutualscan"
	"github.com/companyzero/protoengine/settings"
	"github.com/davecgh/go-spew/spew"
)

type protocolFilter struct {
	Protocol int `short:"p" long:"protocol" description:"only consider instances of this protocol id" default:"-1"`
}

func (pf *protocolFilter) match(pid protocol.ID) bool {
	return pf.Protocol < 0 || protocol.ID(pf.Protocol) == pid
}

func listInstances(ctx context.Context, e *env, pf *protocolFilter) ([]*protocol.Instance, error) {
	var res []*protocol.Instance
	err := e.db.View(ctx, func(tx protocol.ReadTx) error {
		insts, err := e.db.ListInstances(tx)
		if err != nil {
			return err
		}
		for _, inst := range insts {
			if pf.match(inst.Protocol) {
				res = append(res, inst)
			}
		}
		return nil
	})
	slices.SortFunc(res, func(a, b *protocol.Instance) int {
		if c := int(a.Protocol) - int(b.Protocol); c != 0 {
			return c
		}
		return a.UID.Compare(b.UID)
	})
	return res, err
}

type instancesCmd struct {
	protocolFilter
}

func (c *instancesCmd) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		insts, err := listInstances(ctx, e, &c.protocolFilter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OWNED\tPROTOCOL\tINSTANCE\tSTATE\tFINAL\tUPDATED")
		for _, inst := range insts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n",
				inst.Owned.ShortLogID(), inst.Protocol,
				inst.UID.ShortLogID(), inst.StateID, e.isFinal(inst),
				inst.Updated.Format(time.DateTime))
		}
		return w.Flush()
	})
}

type dumpCmd struct {
	protocolFilter
}

func (c *dumpCmd) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		insts, err := listInstances(ctx, e, &c.protocolFilter)
		if err != nil {
			return err
		}
		cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}
		for _, inst := range insts {
			fmt.Printf("%s %s (owned %s)\n", inst.Protocol, inst.UID,
				inst.Owned.ShortLogID())
			st, err := e.decodeState(inst)
			if err != nil {
				fmt.Printf("  undecodable state %d: %v\n", inst.StateID, err)
				continue
			}
			cfg.Fdump(os.Stdout, st)
		}
		return nil
	})
}

type pendingCmd struct {
	protocolFilter
}

func (c *pendingCmd) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OWNED\tPROTOCOL\tINSTANCE\tMESSAGE\tCHANNEL\tRECEIVED")
		err := e.db.View(ctx, func(tx protocol.ReadTx) error {
			keys, err := e.db.PendingInstances(tx)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if !c.match(key.Protocol) {
					continue
				}
				msgs, err := e.db.ReceivedMessages(tx, key)
				if err != nil {
					return err
				}
				for _, rm := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						key.Owned.ShortLogID(), key.Protocol,
						key.UID.ShortLogID(), rm.MessageID,
						rm.Channel.Kind, rm.Received.Format(time.DateTime))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return w.Flush()
	})
}

type purgeCmd struct {
	protocolFilter
	DryRun bool `short:"n" long:"dryrun" description:"only list what would be deleted"`
}

func (c *purgeCmd) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if !c.DryRun && e.cfg.Backend != settings.BackendMemory {
			lf, err := lockfile.Acquire(ctx, e.cfg.Root, 2*time.Second)
			if err != nil {
				return err
			}
			defer lf.Close()
		}
		purged, err := purgeFinished(ctx, e, &c.protocolFilter, c.DryRun)
		for _, inst := range purged {
			fmt.Printf("%s %s\n", inst.Protocol, inst.UID)
		}
		if err != nil {
			return err
		}
		e.log.Infof("Purged %d finished instances", len(purged))
		return nil
	})
}

// purgeFinished deletes the finished instances matching pf along with their
// received messages. It returns the purged instances.
func purgeFinished(ctx context.Context, e *env, pf *protocolFilter, dryRun bool) ([]*protocol.Instance, error) {
	insts, err := listInstances(ctx, e, pf)
	if err != nil {
		return nil, err
	}
	var purged []*protocol.Instance
	for _, inst := range insts {
		if !e.isFinal(inst) {
			continue
		}
		if !dryRun {
			key := inst.Key()
			err := e.db.Update(ctx, func(tx protocol.ReadWriteTx) error {
				if err := e.db.DeleteReceivedMessages(tx, key); err != nil {
					return err
				}
				return e.db.DeleteInstance(tx, key)
			})
			if err != nil {
				return purged, err
			}
		}
		purged = append(purged, inst)
	}
	return purged, nil
}

type qrCmd struct {
	PNG  string `long:"png" description:"write a PNG image to this file instead of printing to the terminal"`
	Size int    `long:"size" description:"size in pixels of the PNG image" default:"256"`

	Args struct {
		Payload string `positional-arg-name:"payload" description:"mutual scan payload text (mutualscan:...)"`
	} `positional-args:"yes" required:"yes"`
}

func (c *qrCmd) Execute(args []string) error {
	p, err := mutualscan.ParsePayload(strings.TrimSpace(c.Args.Payload))
	if err != nil {
		return err
	}
	if c.PNG != "" {
		img, err := p.PNG(c.Size)
		if err != nil {
			return err
		}
		return os.WriteFile(c.PNG, img, 0o600)
	}
	s, err := p.Terminal()
	if err != nil {
		return err
	}
	fmt.Printf("Signer %s\n%s", p.Identity.ShortLogID(), s)
	return nil
}
