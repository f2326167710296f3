// Copyright 2025 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		vars      []string
		initiator string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Start an instance of the active definition (manual trigger)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, err := rt.definitions.GetActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			variables := make(map[string]any)
			for name, spec := range def.Variables {
				if spec.DefaultValue != nil {
					variables[name] = spec.DefaultValue
				}
			}
			for _, kv := range vars {
				name, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, expected name=value", kv)
				}
				variables[name] = parseVarValue(value)
			}

			inst := &workflow.WorkflowInstance{
				WorkflowID:      def.WorkflowID,
				WorkflowVersion: def.Version,
				OrganizationID:  def.OrganizationID,
				TriggerType:     string(workflow.TriggerTypeManual),
				Status:          workflow.InstanceStatusPending,
				Variables:       variables,
				InitiatedBy:     initiator,
			}
			if err := rt.instances.Create(cmd.Context(), inst); err != nil {
				return err
			}
			fmt.Printf("instance %s created\n", inst.ID)

			if err := rt.engine.Run(cmd.Context(), inst); err != nil {
				return err
			}
			return printInstance(rt, cmd, inst.ID)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "initial variable as name=value (JSON values accepted)")
	cmd.Flags().StringVar(&initiator, "initiated-by", "", "user recorded as the initiator")
	return cmd
}

func newEventCommand() *cobra.Command {
	var (
		dataJSON string
		subject  string
	)
	cmd := &cobra.Command{
		Use:   "event <event-type>",
		Short: "Dispatch an inbound event through the trigger registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			data := map[string]any{}
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}
			created, err := rt.dispatcher.Dispatch(cmd.Context(), &workflow.InboundEvent{
				EventType: args[0],
				Data:      data,
				Subject:   subject,
			})
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Println("no triggers matched")
				return nil
			}
			for _, inst := range created {
				fmt.Printf("instance %s (%s) status %s\n", inst.ID, inst.WorkflowID, inst.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "event data as a JSON object")
	cmd.Flags().StringVar(&subject, "subject", "", "event subject")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var dataJSON string
	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a waiting or paused instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}
			if err := rt.engine.Resume(cmd.Context(), args[0], data); err != nil {
				return err
			}
			return printInstance(rt, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "resume payload as a JSON object")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printInstance(rt, cmd, args[0])
		},
	}
}

func newCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a non-terminal instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.engine.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("instance %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason recorded in the activity log")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <workflow-id>",
		Short: "Show execution statistics for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.instances.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func printInstance(rt *runtime, cmd *cobra.Command, instanceID string) error {
	inst, err := rt.instances.Get(cmd.Context(), instanceID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(inst)
}

// parseVarValue decodes JSON literals so --var count=3 yields a number and
// --var tags='["a"]' yields an array; everything else stays a string.
func parseVarValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
