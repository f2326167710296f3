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
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var (
		instanceID string
		userID     string
		decision   string
		comment    string
	)
	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Record a decision on a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			req, err := rt.approvalSvc.RecordDecision(cmd.Context(), args[0], instanceID, userID, decision, comment, nil)
			if err != nil {
				return err
			}
			fmt.Printf("approval %s: %s (%d/%d approvals)\n", req.ID, req.Status, req.CurrentApprovals, req.RequiredApprovals)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance the approval belongs to")
	cmd.Flags().StringVar(&userID, "user", "", "deciding user")
	cmd.Flags().StringVar(&decision, "decision", "approved", "approved or rejected")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newReassignCommand() *cobra.Command {
	var (
		instanceID string
		byUserID   string
		toUserID   string
		comment    string
	)
	cmd := &cobra.Command{
		Use:   "reassign <approval-id>",
		Short: "Reassign a pending approval to another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			replacement, err := rt.approvalSvc.Reassign(cmd.Context(), args[0], instanceID, byUserID, toUserID, comment)
			if err != nil {
				return err
			}
			fmt.Printf("approval reassigned to %s, new approval %s\n", toUserID, replacement.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance the approval belongs to")
	cmd.Flags().StringVar(&byUserID, "by", "", "user performing the reassignment")
	cmd.Flags().StringVar(&toUserID, "to", "", "user receiving the approval")
	cmd.Flags().StringVar(&comment, "comment", "", "reassignment comment")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
