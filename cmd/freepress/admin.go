package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freepress/pkg/auth"
	"freepress/pkg/config"
	"freepress/pkg/contentstore"
	"freepress/pkg/mirrorfs"
	"freepress/pkg/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func mountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount mirrored sites as a read-only filesystem",
		Long: `Mount every site in the node's record store read-only, one directory per
record. Reads the record store and content store named in the config; the
node itself does not need to be running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			records, err := storage.Open(ctx, storage.Options{
				Backend: cfg.Node.Records.Backend,
				DSN:     cfg.RecordsDSN(),
			})
			if err != nil {
				return fmt.Errorf("failed to open record store: %w", err)
			}
			defer records.Close()

			store, err := contentstore.NewKubo(contentstore.KuboOptions{
				APIURL:  cfg.Node.ContentStore.APIURL,
				Timeout: cfg.Node.ContentStore.Timeout.Std(),
			}, logger.Named("kubo"))
			if err != nil {
				return err
			}

			root := mirrorfs.New(records, store, logger.Named("mirrorfs"))
			server, err := mirrorfs.Mount(args[0], root)
			if err != nil {
				return err
			}
			logger.Info("Mounted mirrored sites", zap.String("mountpoint", args[0]))

			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					logger.Warn("Failed to unmount", zap.Error(err))
				}
			}()
			server.Wait()
			return nil
		},
	}
	return cmd
}

func certsCmd() *cobra.Command {
	var (
		dir      string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage the relay certificate authority",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "./certs", "directory holding the CA and issued certificates")
	cmd.PersistentFlags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")

	caCmd := &cobra.Command{
		Use:   "ca <name>",
		Short: "Create a self-signed CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if cm.HasCA() {
				return fmt.Errorf("a CA already exists at %s", cm.CAPath())
			}
			if err := cm.GenerateCA(args[0], validity); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("CA created"))
			printField("Certificate", cm.CAPath())
			return nil
		},
	}

	var addresses []string
	issueCmd := &cobra.Command{
		Use:   "issue <name>",
		Short: "Issue a certificate for a relay or node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if !cm.HasCA() {
				return fmt.Errorf("no CA in %s; run freepress certs ca first", dir)
			}
			certPath, keyPath, err := cm.IssueCertificate(args[0], addresses, validity)
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Certificate issued"))
			printField("Certificate", certPath)
			printField("Key", keyPath)
			printField("CA", cm.CAPath())
			return nil
		},
	}
	issueCmd.Flags().StringSliceVar(&addresses, "address", []string{"localhost", "127.0.0.1"}, "DNS names or IPs the certificate is valid for")

	cmd.AddCommand(caCmd, issueCmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the nodes this CLI talks to",
	}

	var description string
	addCmd := &cobra.Command{
		Use:   "add-node <name> <api-address>",
		Short: "Add or replace a named node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			if err := cfg.AddNode(config.NodeEntry{Name: args[0], APIAddress: args[1], Description: description}); err != nil {
				return err
			}
			if _, err := cfg.ResolveEndpoint(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Added node " + args[0]))
			return nil
		},
	}
	addCmd.Flags().StringVar(&description, "description", "", "free-form note")

	removeCmd := &cobra.Command{
		Use:   "remove-node <name>",
		Short: "Forget a named node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			if err := cfg.RemoveNode(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Removed node " + args[0]))
			return nil
		},
	}

	useCmd := &cobra.Command{
		Use:   "use-node <name>",
		Short: "Make a node the default target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			if _, err := cfg.GetNode(args[0]); err != nil {
				return err
			}
			cfg.Defaults.PreferredNode = args[0]
			return cfg.Save()
		},
	}

	listCmd := &cobra.Command{
		Use:   "nodes",
		Short: "List configured nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}
			if len(cfg.Nodes) == 0 {
				fmt.Println(mutedStyle.Render("No nodes configured; commands target " + config.DefaultAPIAddress))
				return nil
			}
			rows := make([][]string, 0, len(cfg.Nodes))
			for _, n := range cfg.Nodes {
				current := ""
				if n.Name == cfg.Defaults.PreferredNode {
					current = "*"
				}
				rows = append(rows, []string{n.Name, n.APIAddress, n.Description, current})
			}
			fmt.Println(renderTable([]string{"NAME", "API", "DESCRIPTION", "DEFAULT"}, rows))
			return nil
		},
	}

	cmd.AddCommand(addCmd, removeCmd, useCmd, listCmd)
	return cmd
}
