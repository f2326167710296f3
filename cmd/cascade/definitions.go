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
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cascadehq/cascade/pkg/workflow"
)

// loadDefinitionFile reads a YAML workflow definition.
func loadDefinitionFile(path string) (*workflow.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def workflow.WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			if err := def.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s is valid: %d steps, %d triggers\n", args[0], len(def.Steps), len(def.Triggers))
			return nil
		},
	}
}

func newImportCommand() *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "import <definition.yaml>",
		Short: "Import a workflow definition into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, err := loadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			if err := rt.definitions.Create(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("imported workflow %s version %d (%s)\n", def.WorkflowID, def.Version, def.Status)

			if activate {
				activated, err := rt.definitions.Activate(cmd.Context(), def.WorkflowID, def.Version)
				if err != nil {
					return err
				}
				if err := rt.triggers.SyncDefinition(cmd.Context(), activated); err != nil {
					return err
				}
				fmt.Printf("activated workflow %s version %d\n", def.WorkflowID, def.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the definition after import")
	return cmd
}

func newActivateCommand() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "activate <workflow-id>",
		Short: "Activate a workflow definition version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, err := rt.definitions.Activate(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if err := rt.triggers.SyncDefinition(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("activated workflow %s version %d\n", def.WorkflowID, def.Version)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "definition version to activate")
	return cmd
}
