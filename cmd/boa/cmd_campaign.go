// Campaign commands: the full operator loop of create, propose, observe,
// decide, analyze, plus lifecycle transitions and bundle export/import.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"boa/internal/campaign"
	"boa/internal/store"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage optimization campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create <process-name>",
	Short: "Create a campaign against a process's active version",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	Args:  cobra.NoArgs,
	RunE:  runCampaignList,
}

var campaignProposeCmd = &cobra.Command{
	Use:   "propose <campaign-id>",
	Short: "Run an initial design or optimization iteration",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPropose,
}

var campaignObserveCmd = &cobra.Command{
	Use:   "observe <campaign-id>",
	Short: "Record observations from a JSON file or inline flags",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignObserve,
}

var campaignDecideCmd = &cobra.Command{
	Use:   "decide <campaign-id> <iteration-index> <proposal-id> <index...>",
	Short: "Accept candidates from an iteration's proposal",
	Args:  cobra.MinimumNArgs(4),
	RunE:  runCampaignDecide,
}

var campaignMetricsCmd = &cobra.Command{
	Use:   "metrics <campaign-id>",
	Short: "Report campaign metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignMetrics,
}

var campaignParetoCmd = &cobra.Command{
	Use:   "pareto <campaign-id>",
	Short: "Show the non-dominated observations",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPareto,
}

var campaignPendingCmd = &cobra.Command{
	Use:   "pending <campaign-id>",
	Short: "Show accepted-but-unobserved candidates",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPending,
}

var campaignExportCmd = &cobra.Command{
	Use:   "export <campaign-id> <file>",
	Short: "Export a campaign bundle",
	Args:  cobra.ExactArgs(2),
	RunE:  runCampaignExport,
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a campaign bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignImport,
}

var (
	campaignName    string
	campaignDesc    string
	proposeInitial  bool
	proposeN        int
	proposeQ        int
	proposeStrategy []string
	proposeRefPoint []float64
	proposeAsync    bool
	observeFile     string
	observeInputs   []string
	observeOutputs  []string
	metricsRefPoint []float64
	decideNotes     string
)

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	p, err := st.ActiveProcess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	name := campaignName
	if name == "" {
		name = fmt.Sprintf("%s-campaign", p.Name)
	}
	c, err := st.CreateCampaign(cmd.Context(), p.ID, name, campaignDesc, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Created campaign %s (%s) against %s v%d\n", c.Name, c.ID, p.Name, p.Version)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	campaigns, err := st.ListCampaigns(cmd.Context(), "", "", 0, 0)
	if err != nil {
		return err
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns.")
		return nil
	}
	for _, c := range campaigns {
		fmt.Printf("%-36s %-10s %s\n", c.ID, c.Status, c.Name)
	}
	return nil
}

func runCampaignPropose(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	campaignID := args[0]

	if proposeAsync {
		params := map[string]any{"strategies": proposeStrategy}
		if proposeInitial {
			params["mode"] = "initial"
			params["n"] = proposeN
		} else {
			params["q"] = proposeQ
			if len(proposeRefPoint) > 0 {
				params["ref_point"] = proposeRefPoint
			}
		}
		job, err := st.EnqueueJob(cmd.Context(), store.JobPropose, params, campaignID)
		if err != nil {
			return err
		}
		fmt.Printf("Enqueued propose job %s\n", job.ID)
		return nil
	}

	e := newEngine(st)
	var proposals []*store.Proposal
	if proposeInitial {
		proposals, err = e.InitialDesign(cmd.Context(), campaignID, proposeStrategy, proposeN)
	} else {
		proposals, err = e.OptimizationIteration(cmd.Context(), campaignID, proposeStrategy, proposeQ, proposeRefPoint)
	}
	if err != nil {
		return err
	}
	return printJSON(proposals)
}

// parsePairs turns name=value flags into a map, parsing numbers.
func parsePairs(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			out[name] = f
		} else {
			out[name] = value
		}
	}
	return out, nil
}

func runCampaignObserve(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	e := newEngine(st)

	var observations []*store.Observation
	if observeFile != "" {
		data, err := os.ReadFile(observeFile)
		if err != nil {
			return err
		}
		var rows []struct {
			X map[string]any     `json:"x"`
			Y map[string]float64 `json:"y"`
		}
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("failed to parse %s: %w", observeFile, err)
		}
		for _, row := range rows {
			observations = append(observations, &store.Observation{X: row.X, Y: row.Y, Source: "import"})
		}
	} else {
		x, err := parsePairs(observeInputs)
		if err != nil {
			return err
		}
		y := map[string]float64{}
		for _, pair := range observeOutputs {
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("expected name=value, got %q", pair)
			}
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("objective %s: %w", name, err)
			}
			y[name] = f
		}
		observations = append(observations, &store.Observation{X: x, Y: y, Source: "user"})
	}

	if err := e.AddObservations(cmd.Context(), args[0], observations); err != nil {
		return err
	}
	fmt.Printf("Recorded %d observation(s)\n", len(observations))
	return nil
}

func runCampaignDecide(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	iterationIndex, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("iteration index: %w", err)
	}
	var indices []int
	for _, arg := range args[3:] {
		i, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("candidate index %q: %w", arg, err)
		}
		indices = append(indices, i)
	}

	e := newEngine(st)
	d, err := e.AcceptCandidates(cmd.Context(), args[0], iterationIndex,
		[]store.AcceptedCandidates{{ProposalID: args[2], Indices: indices}}, decideNotes)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded decision %s for iteration %d\n", d.ID, iterationIndex)
	return nil
}

func runCampaignMetrics(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	m, err := newEngine(st).Analyze(cmd.Context(), args[0], metricsRefPoint)
	if err != nil {
		return err
	}
	return printJSON(m)
}

func runCampaignPareto(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	front, err := newEngine(st).ParetoFront(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := make([]map[string]any, len(front))
	for i, o := range front {
		out[i] = map[string]any{"x": o.X, "y": o.Y}
	}
	return printJSON(out)
}

func runCampaignPending(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	pending, err := newEngine(st).PendingCandidates(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(pending)
}

func runCampaignExport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	bundle, err := campaign.ExportBundle(cmd.Context(), st, args[0])
	if err != nil {
		return err
	}
	size, err := campaign.WriteBundleFile(args[1], bundle)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %s (%d bytes)\n", args[1], size)
	return nil
}

func runCampaignImport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	bundle, err := campaign.ReadBundleFile(args[0])
	if err != nil {
		return err
	}
	c, err := campaign.ImportBundle(cmd.Context(), st, bundle)
	if err != nil {
		return err
	}
	fmt.Printf("Imported campaign %s (%s)\n", c.Name, c.ID)
	return nil
}

// newLifecycleCmd builds pause/resume/complete/archive, which differ only
// in the transition they apply.
func newLifecycleCmd(use, short string, apply func(e *campaign.Engine, cmd *cobra.Command, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := apply(newEngine(st), cmd, args[0]); err != nil {
				return err
			}
			fmt.Printf("Campaign %s: %s\n", args[0], use)
			return nil
		},
	}
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignName, "name", "", "campaign name")
	campaignCreateCmd.Flags().StringVar(&campaignDesc, "description", "", "campaign description")

	campaignProposeCmd.Flags().BoolVar(&proposeInitial, "init", false, "draw an initial design instead of optimizing")
	campaignProposeCmd.Flags().IntVarP(&proposeN, "num-initial", "n", 5, "initial design size")
	campaignProposeCmd.Flags().IntVarP(&proposeQ, "batch", "q", 1, "candidates per strategy")
	campaignProposeCmd.Flags().StringSliceVar(&proposeStrategy, "strategy", nil, "strategy names (default: all)")
	campaignProposeCmd.Flags().Float64SliceVar(&proposeRefPoint, "ref-point", nil, "hypervolume reference point")
	campaignProposeCmd.Flags().BoolVar(&proposeAsync, "async", false, "enqueue as a background job")

	campaignObserveCmd.Flags().StringVar(&observeFile, "file", "", "JSON file of {x, y} rows")
	campaignObserveCmd.Flags().StringSliceVarP(&observeInputs, "input", "x", nil, "input name=value")
	campaignObserveCmd.Flags().StringSliceVarP(&observeOutputs, "output", "y", nil, "objective name=value")

	campaignDecideCmd.Flags().StringVar(&decideNotes, "notes", "", "decision notes")

	campaignMetricsCmd.Flags().Float64SliceVar(&metricsRefPoint, "ref-point", nil, "hypervolume reference point")

	campaignCmd.AddCommand(
		campaignCreateCmd, campaignListCmd, campaignProposeCmd, campaignObserveCmd,
		campaignDecideCmd, campaignMetricsCmd, campaignParetoCmd, campaignPendingCmd,
		campaignExportCmd, campaignImportCmd,
		newLifecycleCmd("pause", "Pause an active campaign", func(e *campaign.Engine, cmd *cobra.Command, id string) error {
			return e.Pause(cmd.Context(), id)
		}),
		newLifecycleCmd("resume", "Resume a paused campaign", func(e *campaign.Engine, cmd *cobra.Command, id string) error {
			return e.Resume(cmd.Context(), id)
		}),
		newLifecycleCmd("complete", "Mark a campaign completed", func(e *campaign.Engine, cmd *cobra.Command, id string) error {
			return e.Complete(cmd.Context(), id)
		}),
		newLifecycleCmd("archive", "Archive a campaign", func(e *campaign.Engine, cmd *cobra.Command, id string) error {
			return e.Archive(cmd.Context(), id)
		}),
	)
	rootCmd.AddCommand(campaignCmd)
}
