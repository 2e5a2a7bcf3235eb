package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/dialer/remote"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

const requestTimeout = 40 * time.Second

// connect returns a client for --server and the normalised --agent
func connect(cmd *cobra.Command) (*remote.Client, string, error) {
	server, _ := cmd.Flags().GetString("server")
	agent, _ := cmd.Flags().GetString("agent")
	agent = domain.AgentKey(agent)
	if agent == "" {
		return nil, "", fmt.Errorf("--agent is required")
	}
	client, err := remote.NewClient(server, requestTimeout)
	if err != nil {
		return nil, "", err
	}
	return client, agent, nil
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or replace an agent's queue",
	}
	cmd.AddCommand(newQueueShowCmd())
	cmd.AddCommand(newQueuePushCmd())
	return cmd
}

func newQueueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List the leads in the agent's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, agent, err := connect(cmd)
			if err != nil {
				return err
			}
			leads, err := remote.NewQueue(client).Pull(cmd.Context(), agent)
			if err != nil {
				return err
			}
			return printLeads(cmd, leads)
		},
	}
}

func printLeads(cmd *cobra.Command, leads []domain.Lead) error {
	out := cmd.OutOrStdout()
	if len(leads) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tNAME\tCOMPANY\tNUMBER\tSTATUS")
	for i, lead := range leads {
		number, ok := lead.DialNumber()
		if !ok {
			number = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, lead.ID, lead.Name, lead.Company, number, lead.Status)
	}
	return tw.Flush()
}

func newQueuePushCmd() *cobra.Command {
	var (
		file   string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace the agent's queue with the leads in a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, agent, err := connect(cmd)
			if err != nil {
				return err
			}
			leads, err := readLeads(file)
			if err != nil {
				return err
			}

			var apiKey string
			if secret != "" {
				apiKey, err = signPushKey(secret, agent, time.Now())
				if err != nil {
					return err
				}
			}

			count, err := remote.NewQueue(client).Push(cmd.Context(), agent, apiKey, leads)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d leads for %s.\n", count, agent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding an array of leads")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("QUEUE_PUSH_SECRET"), "shared secret used to sign the push key")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readLeads accepts either a bare array or an object with a leads array
func readLeads(path string) ([]domain.Lead, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var leads []domain.Lead
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &leads)
	} else {
		var wrapped struct {
			Leads []domain.Lead `json:"leads"`
		}
		err = json.Unmarshal(data, &wrapped)
		leads = wrapped.Leads
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if leads == nil {
		return nil, fmt.Errorf("%s holds no leads array", path)
	}
	return leads, nil
}

// signPushKey mints a short-lived HS256 key for the queue push endpoint
func signPushKey(secret, subject string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	return token.SignedString([]byte(secret))
}

func newOutcomesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outcomes",
		Short: "List the result codes accepted by the CRM",
		Run: func(cmd *cobra.Command, args []string) {
			for _, o := range domain.Vocabulary() {
				fmt.Fprintln(cmd.OutOrStdout(), o)
			}
		},
	}
}
