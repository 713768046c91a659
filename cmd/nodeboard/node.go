package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/service"
)

func init() {
	var nodeCmd = &cobra.Command{
		Use:   "node",
		Short: "Node management commands",
		Long:  `Register proxy nodes from share links and inspect the registry.`,
	}

	// node import <uri>
	var importName string
	var importTags []string
	var importCmd = &cobra.Command{
		Use:   "import <uri>",
		Short: "Register a node from a vless:// or vmess:// link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				node, err := a.services.Nodes.Import(cmd.Context(), service.NodeImportInput{
					URI:  args[0],
					Name: importName,
					Tags: importTags,
				})
				if err != nil {
					var perr *protocol.ParseError
					if errors.As(err, &perr) {
						return fmt.Errorf("cannot parse link: %s", perr.Error())
					}
					return describeError(err)
				}
				fmt.Printf("Node %d (%s %s:%d) registered.\n", node.ID, node.Protocol, node.Address, node.Port)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&importName, "name", "", "Override the display name")
	importCmd.Flags().StringSliceVar(&importTags, "tag", nil, "Tag to attach (repeatable)")
	nodeCmd.AddCommand(importCmd)

	// node list
	var listTag string
	var listActive bool
	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				input := service.NodeListInput{Tag: listTag}
				if listActive {
					input.Active = &listActive
				}
				nodes, err := a.services.Nodes.List(cmd.Context(), input)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tName\tProtocol\tEndpoint\tTags\tActive\tLast Check")
				for _, n := range nodes {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s:%d\t%s\t%v\t%s\n",
						n.ID, n.Name, n.Protocol, n.Address, n.Port,
						strings.Join(n.Tags, ","), n.Active, lastCheck(n))
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&listTag, "tag", "", "Only nodes carrying this tag")
	listCmd.Flags().BoolVar(&listActive, "active", false, "Only active nodes")
	nodeCmd.AddCommand(listCmd)

	rootCmd.AddCommand(nodeCmd)
}

func lastCheck(n service.NodeView) string {
	if n.LastCheckedAt == nil {
		return "-"
	}
	ts := time.Unix(*n.LastCheckedAt, 0).Format(time.DateTime)
	if n.LastError != "" {
		return ts + " (" + n.LastError + ")"
	}
	return ts
}
