package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"freepress/pkg/client"
	"freepress/pkg/discovery"
	"freepress/pkg/node"

	"github.com/spf13/cobra"
)

var jsonOutput bool

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requestContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func keygenCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the publisher keypair",
		Long: `Create the Ed25519 keypair used to sign manifests. An existing key is
never replaced. With --remote the running node generates it instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pub string
				err error
			)
			if remote {
				c, cerr := connect()
				if cerr != nil {
					return cerr
				}
				ctx, cancel := requestContext()
				defer cancel()
				pub, err = c.GenerateKeypair(ctx)
			} else {
				cfg, cerr := loadConfig()
				if cerr != nil {
					return cerr
				}
				if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
					return fmt.Errorf("failed to create data dir: %w", err)
				}
				id, ierr := node.LoadIdentity(cfg.KeyPath())
				if ierr != nil {
					return ierr
				}
				pub, err = id.Generate()
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"public_key": pub})
			}
			fmt.Println(successStyle.Render("Keypair created"))
			fmt.Printf("%s %s\n", labelStyle.Render("Public key"), valueStyle.Render(pub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "generate the key on the running node")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Snapshot, store, pin and announce the site now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			res, err := c.Publish(ctx)
			if client.IsStatus(err, http.StatusConflict) {
				return fmt.Errorf("a pipeline run is already in progress")
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}

			fmt.Println(successStyle.Render("Site published"))
			printField("Site CID", res.SiteCID)
			printField("Files", fmt.Sprintf("%d", res.Files))
			printField("Size", formatBytes(res.SizeBytes))
			if res.Pinned {
				printField("Pinned", "yes")
			} else {
				printField("Pinned", warningStyle.Render("no: "+res.PinError))
			}
			printField("Took", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String())
			return nil
		},
	}
}

func mirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <manifest-cid>",
		Short: "Pin a discovered site and its manifest locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			rec, err := c.Mirror(ctx, args[0])
			if client.IsStatus(err, http.StatusNotFound) {
				return fmt.Errorf("manifest %s has not been discovered by this node", args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Println(successStyle.Render("Mirrored " + displayTitle(rec.Title)))
			printField("Manifest CID", rec.CID)
			printField("Site CID", rec.SiteCID)
			printField("Size", formatBytes(rec.SizeBytes))
			return nil
		},
	}
}

func unmirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmirror <cid>",
		Short: "Unpin a mirrored site and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			if err := c.Unmirror(ctx, args[0]); err != nil {
				if client.IsStatus(err, http.StatusNotFound) {
					return fmt.Errorf("no mirror record for %s", args[0])
				}
				return err
			}
			fmt.Println(successStyle.Render("Removed " + args[0]))
			return nil
		},
	}
}

func manifestsCmd() *cobra.Command {
	var q client.ManifestQuery

	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "List manifests in the node's discovery registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			found, err := c.Manifests(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(found)
			}
			if len(found) == 0 {
				fmt.Println(mutedStyle.Render("No manifests discovered yet"))
				return nil
			}

			rows := make([][]string, 0, len(found))
			for _, m := range found {
				rows = append(rows, []string{
					displayTitle(m.Title),
					shortID(m.PubKey),
					shortID(m.ManifestCID),
					strings.Join(m.Tags, ","),
					fmt.Sprintf("%d", m.MirrorCount),
					time.UnixMilli(int64(m.Timestamp)).Format(time.DateTime),
				})
			}
			fmt.Println(renderTable([]string{"TITLE", "PUBLISHER", "MANIFEST", "TAGS", "MIRRORS", "PUBLISHED"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&q.Tag, "tag", "", "only manifests carrying this tag")
	cmd.Flags().StringVar(&q.Publisher, "publisher", "", "only manifests from this public key")
	cmd.Flags().StringVar(&q.Site, "site", "", "only manifests for this site CID")
	cmd.Flags().StringVar(&q.Sort, "sort", string(discovery.SortByTimestamp), "sort order: timestamp or mirrors")
	cmd.Flags().BoolVar(&q.Latest, "latest", false, "only the newest manifest per publisher")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of manifests (0 for all)")
	return cmd
}

func mirrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirrors",
		Short: "List sites pinned by the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			recs, err := c.Mirrors(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println(mutedStyle.Render("Nothing pinned"))
				return nil
			}

			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				pinned := successStyle.Render("pinned")
				if !r.Pinned {
					pinned = dangerStyle.Render("unpinned")
				}
				rows = append(rows, []string{
					displayTitle(r.Title),
					string(r.Origin),
					shortID(r.CID),
					shortID(r.SiteCID),
					formatBytes(r.SizeBytes),
					pinned,
				})
			}
			fmt.Println(renderTable([]string{"TITLE", "ORIGIN", "CID", "SITE", "SIZE", "STATE"}, rows))
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Aliases: []string{"events"},
		Short:   "Stream node events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			fmt.Println(mutedStyle.Render("Watching " + c.BaseURL() + " (Ctrl+C to stop)"))
			return c.Watch(ctx, func(ev client.Event) {
				if jsonOutput {
					printJSON(ev)
					return
				}
				fmt.Printf("%s %s %s\n",
					mutedStyle.Render(ev.At.Local().Format(time.TimeOnly)),
					eventStyle(string(ev.Kind)).Render(string(ev.Kind)),
					string(ev.Data))
			})
		},
	}
}
