package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/packflow/internal/audit"
	"github.com/nerrad567/packflow/internal/automation"
)

// emitOptions are the flags of the emit command.
type emitOptions struct {
	payload string
	source  string
	userID  string
	orgID   string
	startup string
}

func newEmitCmd(opts *rootOptions) *cobra.Command {
	eo := &emitOptions{}
	cmd := &cobra.Command{
		Use:   "emit <event>",
		Short: "Emit an event and run its sync triggers",
		Long: `Records an event, creates an execution for every matching trigger and
runs sync executions in-process. Without --user the event is recorded
anonymously and no execution runs immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if eo.payload != "" {
				if err := json.Unmarshal([]byte(eo.payload), &payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg), appOptions{connect: true})
			if err != nil {
				return err
			}
			defer a.close()

			scope := automation.Scope{UserID: eo.userID, OrgID: eo.orgID, StartupID: eo.startup}
			if scope.UserID != "" && scope.StartupID == "" {
				if scope.OrgID != "" {
					scope.StartupID, err = a.store.StartupForOrg(cmd.Context(), scope.OrgID)
				} else {
					scope.StartupID, err = a.store.StartupForUser(cmd.Context(), scope.UserID)
				}
				if err != nil {
					return fmt.Errorf("resolving startup: %w", err)
				}
			}

			res, err := a.emitter.Emit(cmd.Context(), automation.EmitRequest{
				EventName: args[0],
				Payload:   payload,
				Source:    eo.source,
				Scope:     scope,
			})
			if err != nil {
				return err
			}
			if err := a.audit.Record(cmd.Context(), &audit.Entry{
				Action:     "emit_event",
				EntityType: "event",
				EntityID:   res.EventID,
				SubjectID:  scope.UserID,
				Source:     "cli",
				Details:    map[string]any{"event_name": args[0], "triggered_count": res.TriggeredCount},
			}); err != nil {
				a.log.Warn("recording audit entry failed", "error", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&eo.payload, "payload", "p", "", "event payload as a JSON object")
	f.StringVar(&eo.source, "source", "cli", "event source recorded on the event")
	f.StringVarP(&eo.userID, "user", "u", "", "user the event acts for")
	f.StringVar(&eo.orgID, "org", "", "organisation of the user")
	f.StringVar(&eo.startup, "startup", "", "startup to act on (resolved from the user when empty)")
	return cmd
}
