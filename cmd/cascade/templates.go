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
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cascadehq/cascade/pkg/workflow"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
	}
	cmd.AddCommand(newTemplateImportCommand(), newTemplateInstantiateCommand(), newTemplateListCommand())
	return cmd
}

func newTemplateImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <template.yaml>",
		Short: "Import a template into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var tpl workflow.WorkflowTemplate
			if err := yaml.Unmarshal(raw, &tpl); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := rt.templates.Create(cmd.Context(), &tpl); err != nil {
				return err
			}
			fmt.Printf("imported template %s (%s)\n", tpl.ID, tpl.Name)
			return nil
		},
	}
}

func newTemplateInstantiateCommand() *cobra.Command {
	var (
		name string
		vars []string
	)
	cmd := &cobra.Command{
		Use:   "instantiate <template-id>",
		Short: "Create a draft definition from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			tpl, err := rt.templates.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			variables := make(map[string]any, len(vars))
			for _, kv := range vars {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, expected name=value", kv)
				}
				variables[k] = parseVarValue(v)
			}

			def, err := tpl.Instantiate(workflow.InstantiateParams{
				Name:      name,
				Variables: variables,
			})
			if err != nil {
				return err
			}
			if err := rt.definitions.Create(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("created workflow %s version %d from template %s\n", def.WorkflowID, def.Version, tpl.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the produced definition")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable as name=value")
	return cmd
}

func newTemplateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			templates, err := rt.templates.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, tpl := range templates {
				fmt.Printf("%s\t%s\t%s\n", tpl.ID, tpl.Name, tpl.Category)
			}
			return nil
		},
	}
}
