package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/internal/cluster"
)

const commandTimeout = 10 * time.Second

// shell runs commands against an in-process cluster and prints the results.
type shell struct {
	c   *cluster.Cluster
	out io.Writer
}

// process handles one command line. It reports whether the shell should exit.
func (s *shell) process(args []string) bool {
	if len(args) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch strings.ToLower(args[0]) {
	case "begin":
		if len(args) < 3 {
			s.printf("Error: begin requires a key and a value.\n")
			return false
		}
		s.begin(ctx, args[1], args[2])
	case "random":
		n := 1
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v <= 0 {
				s.printf("Error: random takes a positive count.\n")
				return false
			}
			n = v
		}
		outcomes, err := s.c.RunRandom(ctx, n)
		for _, out := range outcomes {
			s.printf("%s\n", out)
		}
		if err != nil {
			s.printf("Error: %v\n", err)
		}
	case "read":
		if len(args) < 3 {
			s.printf("Error: read requires a node and a key.\n")
			return false
		}
		p, ok := s.c.Participant(args[1])
		if !ok {
			s.printf("Error: unknown participant %q.\n", args[1])
			return false
		}
		if v, ok := p.Read(args[2]); ok {
			s.printf("%s@%s = %d (txn %d)\n", args[2], args[1], v.Value, v.TxnID)
		} else {
			s.printf("%s@%s has no committed value\n", args[2], args[1])
		}
	case "keys":
		if len(args) < 2 {
			s.printf("Error: keys requires a node.\n")
			return false
		}
		p, ok := s.c.Participant(args[1])
		if !ok {
			s.printf("Error: unknown participant %q.\n", args[1])
			return false
		}
		s.printf("%s\n", strings.Join(p.Keys(), " "))
	case "status":
		if len(args) > 1 {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				s.printf("Error: status takes a transaction id.\n")
				return false
			}
			s.txnStatus(id)
			return false
		}
		s.clusterStatus()
	case "crash", "restart", "isolate", "heal":
		if len(args) < 2 {
			s.printf("Error: %s requires a node.\n", args[0])
			return false
		}
		var err error
		switch strings.ToLower(args[0]) {
		case "crash":
			err = s.c.Crash(args[1])
		case "restart":
			err = s.c.Restart(ctx, args[1])
		case "isolate":
			err = s.c.Isolate(args[1])
		case "heal":
			err = s.c.Heal(args[1])
		}
		if err != nil {
			s.printf("Error: %v\n", err)
			return false
		}
		s.printf("OK\n")
	case "drop", "dup":
		if len(args) < 2 {
			s.printf("Error: %s requires a rate between 0 and 1.\n", args[0])
			return false
		}
		rate, err := strconv.ParseFloat(args[1], 64)
		if err != nil || rate < 0 || rate > 1 {
			s.printf("Error: %s requires a rate between 0 and 1.\n", args[0])
			return false
		}
		if strings.ToLower(args[0]) == "drop" {
			s.c.SetDropRate(rate)
		} else {
			s.c.SetDuplicateRate(rate)
		}
		s.printf("OK\n")
	case "help":
		s.printf("Commands:\n" +
			"  begin <key> <value>     run one transaction\n" +
			"  random [n]              run n generated transactions concurrently\n" +
			"  read <node> <key>       committed value at a participant\n" +
			"  keys <node>             committed keys at a participant\n" +
			"  status [txn]            cluster or transaction status\n" +
			"  crash <node>            stop a node, keeping its log\n" +
			"  restart <node>          recover a crashed node from its log\n" +
			"  isolate <node>          cut a node off the network\n" +
			"  heal <node>             reconnect an isolated node\n" +
			"  drop <rate>             message loss probability\n" +
			"  dup <rate>              message duplication probability\n" +
			"  help\n" +
			"  exit / quit\n")
	case "exit", "quit":
		return true
	default:
		s.printf("Error: Unknown command. Type 'help' for a list of commands.\n")
	}
	return false
}

func (s *shell) begin(ctx context.Context, key, value string) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.printf("Error: value must be an integer.\n")
		return
	}
	rec := s.c.NextRecord()
	rec.Key, rec.Value = key, v
	out, err := s.c.Run(ctx, rec)
	if err != nil {
		s.printf("Error: txn %d: %v\n", rec.TxnID, err)
		return
	}
	s.printf("%s\n", out)
}

func (s *shell) clusterStatus() {
	if down := s.c.Down(); len(down) > 0 {
		s.printf("down: %s\n", strings.Join(down, " "))
	}
	coord := s.c.Coordinator()
	inFlight := coord.InFlight()
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i] < inFlight[j] })
	s.printf("coordinator: in flight %v", inFlight)
	if err := coord.Halted(); err != nil {
		s.printf(" HALTED (%v)", err)
	}
	s.printf("\n")
	for _, id := range s.c.ParticipantIDs() {
		p, _ := s.c.Participant(id)
		uncertain := p.Uncertain()
		sort.Slice(uncertain, func(i, j int) bool { return uncertain[i] < uncertain[j] })
		s.printf("%s: applied %d, keys %d, uncertain %v\n", id, p.Applied(), len(p.Keys()), uncertain)
	}
	delivered, dropped := s.c.Bus().Stats()
	s.printf("bus: delivered %d, dropped %d\n", delivered, dropped)
}

func (s *shell) txnStatus(id uint64) {
	st, ok := s.c.Coordinator().Status(id)
	if !ok {
		s.printf("coordinator: unknown txn %d\n", id)
	} else {
		s.printf("coordinator: %s %s", st.Phase, st.Decision)
		if st.Decision == transaction.DecisionAbort {
			s.printf(" (%s)", st.Reason)
		}
		s.printf("\n")
	}
	for _, pid := range s.c.ParticipantIDs() {
		p, _ := s.c.Participant(pid)
		state, _ := p.State(id)
		s.printf("%s: %s\n", pid, state)
	}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}
