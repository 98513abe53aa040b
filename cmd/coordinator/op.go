package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/fleet-coordinator/internal/operator"
	"github.com/signalsfoundry/fleet-coordinator/model"
)

const statusVerb = "status"

type opFlags struct {
	addr      string
	robots    []int
	row, col  int
	mode      string
	requestID string
	timeout   time.Duration
}

func newOpCmd() *cobra.Command {
	var f opFlags
	cmd := &cobra.Command{
		Use:   "op <verb>",
		Short: "Send an operator command to a running coordinator",
		Long: fmt.Sprintf(`Op sends one operator command and prints the reply. Use "status" to
print the coordinator state.

Verbs: %s`, strings.Join(operator.Verbs(), ", ")),
		Example: `  coordinator op select_robot --robot 3
  coordinator op set_goal --robot 3 --row 2 --col 5
  coordinator op set_mode --mode home_table
  coordinator op status`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(operator.Verbs(), statusVerb),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			client, err := operator.Dial(f.addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", f.addr, err)
			}
			defer client.Close()

			if args[0] == statusVerb {
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			}
			c, err := buildCommand(args[0], f, cmd.Flags().Changed("row"), cmd.Flags().Changed("col"))
			if err != nil {
				return err
			}
			reply, err := client.Execute(ctx, c, f.requestID)
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "localhost:50061", "coordinator operator address")
	fl.IntSliceVarP(&f.robots, "robot", "r", nil, "robot id (repeatable)")
	fl.IntVar(&f.row, "row", 0, "goal row")
	fl.IntVar(&f.col, "col", 0, "goal column")
	fl.StringVar(&f.mode, "mode", "", "scenario mode for set_mode")
	fl.StringVar(&f.requestID, "request-id", "", "request id propagated to the coordinator logs")
	fl.DurationVar(&f.timeout, "timeout", 5*time.Second, "RPC timeout")
	return cmd
}

func buildCommand(verb string, f opFlags, rowSet, colSet bool) (operator.Command, error) {
	c := operator.Command{Verb: verb, Robots: f.robots, Mode: f.mode}
	if rowSet != colSet {
		return operator.Command{}, fmt.Errorf("%w: --row and --col go together", operator.ErrInvalidArgument)
	}
	if rowSet {
		c.Cell = model.CellPtr(f.row, f.col)
	}
	return c, nil
}

func printReply(w io.Writer, r operator.Reply) {
	if len(r.Robots) == 0 {
		fmt.Fprintln(w, r.Message)
		return
	}
	fmt.Fprintf(w, "%s %v\n", r.Message, r.Robots)
}

func printStatus(w io.Writer, st operator.Status) {
	fmt.Fprintf(w, "mode:       %s (scenario %s)\n", st.Mode, enabled(st.ScenarioEnabled))
	fmt.Fprintf(w, "agents:     %v\n", st.Agents)
	fmt.Fprintf(w, "selected:   %v\n", st.Selected)
	fmt.Fprintf(w, "manual:     %s\n", enabled(st.Manual))
	fmt.Fprintf(w, "goal align: %s\n", enabled(st.GoalAlign))
	if st.Active {
		fmt.Fprintf(w, "sequence:   %s step %d\n", st.SequenceID, st.Step)
	} else {
		fmt.Fprintln(w, "sequence:   idle")
	}
	if len(st.Paused) > 0 {
		fmt.Fprintf(w, "paused:     %v\n", st.Paused)
	}
}

func enabled(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
