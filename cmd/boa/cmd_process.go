// Process and spec commands: register spec versions, list them, and
// validate spec files without touching the store.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"boa/internal/errs"
	"boa/internal/spec"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Manage optimization process definitions",
}

var processCreateCmd = &cobra.Command{
	Use:   "create <spec.yaml>",
	Short: "Register a new process version from a spec file",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessCreate,
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered processes",
	Args:  cobra.NoArgs,
	RunE:  runProcessList,
}

var processShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the active version of a process",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessShow,
}

var processUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update the active version's description",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessUpdate,
}

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Work with process spec files",
}

var specValidateCmd = &cobra.Command{
	Use:   "validate <spec.yaml>",
	Short: "Validate a spec file against the built-in plugins",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecValidate,
}

var (
	processName string
	processDesc string
)

// loadSpecFile parses and validates a spec file.
func loadSpecFile(path string) (*spec.ProcessSpec, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := spec.Load(data)
	if err != nil {
		return nil, nil, err
	}
	if err := spec.Validate(s, registry.Known()); err != nil {
		return nil, nil, err
	}
	return s, data, nil
}

func runProcessCreate(cmd *cobra.Command, args []string) error {
	s, raw, err := loadSpecFile(args[0])
	if err != nil {
		return specFailure(err)
	}
	name := processName
	if name == "" {
		name = s.Name
	}
	canonical, err := json.Marshal(s)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	p, err := st.CreateProcess(cmd.Context(), name, string(raw), string(canonical), processDesc, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Created process %s version %d (%s)\n", p.Name, p.Version, p.ID)
	return nil
}

func runProcessList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	processes, err := st.ListProcesses(cmd.Context(), 0, 0)
	if err != nil {
		return err
	}
	if len(processes) == 0 {
		fmt.Println("No processes registered.")
		return nil
	}
	for _, p := range processes {
		active := " "
		if p.IsActive {
			active = "*"
		}
		fmt.Printf("%s %-30s v%-3d %s\n", active, p.Name, p.Version, p.ID)
	}
	return nil
}

func runProcessShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	p, err := st.ActiveProcess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	var s spec.ProcessSpec
	if err := json.Unmarshal([]byte(p.SpecJSON), &s); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"id":      p.ID,
		"name":    p.Name,
		"version": p.Version,
		"spec":    s,
	})
}

func runProcessUpdate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	p, err := st.ActiveProcess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := st.UpdateProcess(cmd.Context(), p.ID, processDesc, p.Meta); err != nil {
		return err
	}
	fmt.Printf("Updated process %s version %d\n", p.Name, p.Version)
	return nil
}

func runSpecValidate(cmd *cobra.Command, args []string) error {
	if _, _, err := loadSpecFile(args[0]); err != nil {
		return specFailure(err)
	}
	fmt.Println("Spec is valid.")
	return nil
}

// specFailure expands validation findings into one line each.
func specFailure(err error) error {
	var ee *errs.Error
	if errors.As(err, &ee) && ee.Kind == errs.SpecValidation {
		for _, msg := range ee.Messages {
			fmt.Fprintln(os.Stderr, "  -", msg)
		}
	}
	return err
}

func init() {
	processCreateCmd.Flags().StringVar(&processName, "name", "", "process name (defaults to the spec's name)")
	processCreateCmd.Flags().StringVar(&processDesc, "description", "", "process description")
	processUpdateCmd.Flags().StringVar(&processDesc, "description", "", "new description")

	processCmd.AddCommand(processCreateCmd, processListCmd, processShowCmd, processUpdateCmd)
	specCmd.AddCommand(specValidateCmd)
	rootCmd.AddCommand(processCmd, specCmd)
}
