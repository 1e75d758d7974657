// cmd/meridianctl is the operator CLI built with Cobra, directly
// modeled on the teacher's cmd/client (kvcli): a root command with
// --server/--timeout persistent flags and one subcommand per admin
// endpoint. Unlike kvcli, meridianctl never speaks the client wire
// protocol (spec.md names that transport out of scope) — every
// subcommand is a read-only GET against a node's admin HTTP surface.
//
// Usage:
//
//	meridianctl health                 --server http://localhost:7100
//	meridianctl debugz partitions      --server http://localhost:7100
//	meridianctl debugz connections     --server http://localhost:7100
//	meridianctl debugz maps            --server http://localhost:7100
//	meridianctl debugz nodes           --server http://localhost:7100
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meridian/internal/adminclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "meridianctl",
		Short: "Operator CLI for a meridian node's admin surface",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:7100", "node admin address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(healthCmd(), debugzCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether a node is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(serverAddr, timeout)
			resp, err := c.Health(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── debugz ───────────────────────────────────────────────────────────────────

func debugzCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debugz",
		Short: "Read-only operator introspection",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "partitions",
			Short: "Show the node's partition map view",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := adminclient.New(serverAddr, timeout)
				resp, err := c.Partitions(context.Background())
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "connections",
			Short: "List the node's live client connections",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := adminclient.New(serverAddr, timeout)
				resp, err := c.Connections(context.Background())
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "maps",
			Short: "List the CRDT maps the node has created",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := adminclient.New(serverAddr, timeout)
				resp, err := c.Maps(context.Background())
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
		&cobra.Command{
			Use:   "nodes",
			Short: "List the cluster members the node currently sees",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := adminclient.New(serverAddr, timeout)
				resp, err := c.Nodes(context.Background())
				if err != nil {
					return err
				}
				prettyPrint(resp)
				return nil
			},
		},
	)

	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
