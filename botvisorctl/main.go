// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command botvisorctl talks to botvisord.
//
// Global flags select the daemon address (-a), the panel user the calls
// are made for (--user, or BOTVISOR_USER), and admin credentials for the
// admin subcommands (-u user:pass).
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/rest"
)

type cli struct {
	addr   string
	owner  string
	auth   string
	client *rest.Client
}

func main() {
	if e := newRootCmd().Execute(); e != nil {
		os.Exit(1)
	}
}

func (c *cli) connect(cmd *cobra.Command, args []string) error {
	c.client = rest.NewClient(nil, c.addr)
	if c.owner != "" {
		c.client.SetUser(c.owner)
	}
	if c.auth != "" {
		a := strings.SplitN(c.auth, ":", 2)
		if len(a) != 2 {
			return fmt.Errorf("bad user:pass supplied")
		}
		c.client.SetAuth(a[0], a[1])
	}
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "botvisorctl",
		Short:             "Manage bots hosted by botvisord",
		SilenceUsage:      true,
		PersistentPreRunE: c.connect,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&c.addr, "address", "a", "http://127.0.0.1:8321", "botvisord address")
	pf.StringVar(&c.owner, "user", os.Getenv("BOTVISOR_USER"), "panel user id")
	pf.StringVarP(&c.auth, "auth", "u", "", "user:pass for admin commands")

	root.AddCommand(
		c.serversCmd(),
		c.createCmd(),
		c.infoCmd(),
		c.actionCmd("start", "Provision and start a server's bot"),
		c.actionCmd("stop", "Stop a server's bot"),
		c.actionCmd("restart", "Restart a server's bot"),
		c.deleteCmd(),
		c.statusCmd(),
		c.logsCmd(),
		c.sessionCmd(),
		c.adminCmd(),
		c.eventsCmd(),
	)
	return root
}

func showView(v botvisor.ServerView) {
	up := ""
	if v.Live.IsRunning {
		up = v.Live.Uptime.String()
	}
	fmt.Printf("%-36s %-20s %5d %-12s %s\n", v.ID, v.Name, v.Port, v.Status, up)
}

func (c *cli) serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List your servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			views, e := c.client.Servers(cmd.Context())
			if e != nil {
				return e
			}
			for _, v := range views {
				showView(v)
			}
			return nil
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var session string
	var env []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := botvisor.ServerSpec{
				Name:        args[0],
				Environment: map[string]string{botvisor.SessionEnvKey: session},
			}
			for _, kv := range env {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("bad environment entry %q, want KEY=VALUE", kv)
				}
				spec.Environment[k] = v
			}
			s, e := c.client.CreateServer(cmd.Context(), spec)
			if e != nil {
				return e
			}
			fmt.Printf("%s on port %d\n", s.ID, s.Port)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "bot session id")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "extra KEY=VALUE for the bot environment")
	cmd.MarkFlagRequired("session")
	return cmd
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show a server in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, e := c.client.GetServer(cmd.Context(), args[0])
			if e != nil {
				return e
			}
			fmt.Printf("ID:        %s\n", v.ID)
			fmt.Printf("Name:      %s\n", v.Name)
			fmt.Printf("Port:      %d\n", v.Port)
			fmt.Printf("Status:    %s\n", v.Status)
			fmt.Printf("Running:   %v\n", v.Live.IsRunning)
			if v.Live.IsRunning {
				fmt.Printf("PID:       %d\n", v.Live.PID)
				fmt.Printf("Uptime:    %v\n", v.Live.Uptime)
			}
			fmt.Printf("Total:     %v\n", v.TotalUptime.Round(time.Second))
			if v.LastError != "" {
				fmt.Printf("Error:     %s\n", v.LastError)
			}
			keys := make([]string, 0, len(v.Environment))
			for k := range v.Environment {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Printf("Env:      ")
			for _, k := range keys {
				fmt.Printf(" %s", k)
			}
			fmt.Printf("\n")
			return nil
		},
	}
}

func (c *cli) actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var res *botvisor.StartResult
			var e error
			switch action {
			case "start":
				res, e = c.client.StartServer(ctx, args[0])
			case "restart":
				res, e = c.client.RestartServer(ctx, args[0])
			default:
				e = c.client.StopServer(ctx, args[0])
			}
			if e != nil {
				var re *rest.Error
				if errors.As(e, &re) && re.Output != "" {
					fmt.Fprintln(os.Stderr, re.Output)
				}
				return e
			}
			if res != nil {
				fmt.Printf("pid %d on port %d\n", res.PID, res.Port)
			}
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop a server and remove it with its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.DeleteServer(cmd.Context(), args[0])
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>...",
		Short: "Show the live status of servers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				st, e := c.client.ServerStatus(cmd.Context(), id)
				if e != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", id, e)
					continue
				}
				fmt.Printf("%-36s %-12s %6d %v\n", id, st.Status, st.PID, st.Uptime)
			}
			return nil
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	limit := 0
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a server's recent log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, e := c.client.ServerLogs(cmd.Context(), args[0], limit)
			if e != nil {
				return e
			}
			for _, r := range page.Logs {
				fmt.Printf("%s [%s] %s\n", r.Time.Format(time.RFC3339), r.Stream, r.Text)
			}
			if len(page.Logs) < page.Total {
				fmt.Printf("(%d of %d records)\n", len(page.Logs), page.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of records (server default when 0)")
	return cmd
}

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Obtain and check bot session ids",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Fetch a fresh session id from the generator",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, e := c.client.GenerateSession(cmd.Context())
				if e != nil {
					return e
				}
				fmt.Println(s.ID)
				if s.QRCode != "" {
					fmt.Printf("QR: %s\n", s.QRCode)
				}
				fmt.Println(s.Instructions)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate <session>",
			Short: "Check the format of a session id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				chk, e := c.client.ValidateSession(cmd.Context(), args[0])
				if e != nil {
					return e
				}
				if !chk.Valid {
					return fmt.Errorf("%s", chk.Error)
				}
				fmt.Println(chk.Message)
				return nil
			},
		},
		&cobra.Command{
			Use:   "instructions",
			Short: "Explain how to get a session id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g, e := c.client.Instructions(cmd.Context())
				if e != nil {
					return e
				}
				fmt.Println(g.Title)
				for i, s := range g.Steps {
					fmt.Printf("  %d. %s\n", i+1, s)
				}
				fmt.Println(g.Note)
				fmt.Println(g.GeneratorURL)
				return nil
			},
		},
	)
	return cmd
}

func (c *cli) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands, need -u user:pass",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "active",
			Short: "List running bots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				active, e := c.client.ActiveServers(cmd.Context())
				if e != nil {
					return e
				}
				for _, a := range active {
					fmt.Printf("%-36s %6d %5d %v\n", a.ID, a.PID, a.Port, a.Uptime)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Stop every running bot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.client.SystemCleanup(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show daemon information",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				i, e := c.client.Info(cmd.Context())
				if e != nil {
					return e
				}
				fmt.Printf("Serial:    %d\n", i.Serial)
				fmt.Printf("Up since:  %s\n", i.CreateTime.Format(time.RFC3339))
				fmt.Printf("Updated:   %s\n", i.UpdateTime.Format(time.RFC3339))
				fmt.Printf("Launchers: %d\n", i.Launchers)
				fmt.Printf("Ports:     %d of %d free\n", i.PortsAvailable, i.PortsTotal)
				return nil
			},
		},
	)
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	server := ""
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow status and log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.Watch(cmd.Context(), server, func(ev rest.Event) {
				fmt.Printf("%s %-8s %s %s\n", ev.Time.Format(time.RFC3339), ev.Kind, ev.ServerID, ev.Payload)
			})
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "only events of this server id")
	return cmd
}
