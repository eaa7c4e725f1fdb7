package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/internal/cluster"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var (
	configPath = flag.String("config", "", "YAML configuration supplying protocol timeouts and participants (optional)")
	backend    = flag.String("backend", "memory", "Log backend of the simulated nodes: memory, file or bolt")
	dataDir    = flag.String("dir", filepath.Join(os.TempDir(), "gojotxn_cli"), "Log directory for the file and bolt backends")
	seed       = flag.Int64("seed", 1, "Seed for fault injection and generated transactions")
	logLevel   = flag.String("log_level", "warn", "Log level of the simulated nodes")
)

func clusterConfig() (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	if *configPath != "" {
		nc, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg.Coordinator = nc.CoordinatorConfig()
		cfg.Participant = nc.ParticipantConfig("")
	}
	cfg.Backend = *backend
	cfg.Dir = *dataDir
	cfg.Seed = *seed
	if cfg.Backend != "memory" {
		// Logs outlive the shell; keep new ids above any already logged.
		cfg.TxnIDBase = uint64(time.Now().UnixNano())
	}
	return cfg, nil
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr", Service: "gojotxn-cli"})
	if err != nil {
		log.Fatalf("Can't initialize logger: %v", err)
	}
	cfg, err := clusterConfig()
	if err != nil {
		log.Fatalf("Can't load configuration: %v", err)
	}
	c, err := cluster.New(context.Background(), cfg, zlogger)
	if err != nil {
		log.Fatalf("Can't start cluster: %v", err)
	}
	defer c.Close()

	sh := &shell{c: c, out: os.Stdout}
	if args := flag.Args(); len(args) > 0 {
		sh.process(args)
		return
	}

	completer := readline.NewPrefixCompleter(
		readline.PcItem("begin"), readline.PcItem("random"), readline.PcItem("read"),
		readline.PcItem("keys"), readline.PcItem("status"), readline.PcItem("crash"),
		readline.PcItem("restart"), readline.PcItem("isolate"), readline.PcItem("heal"),
		readline.PcItem("drop"), readline.PcItem("dup"), readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotxn> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojotxn_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("Can't start shell: %v", err)
	}
	defer rl.Close()

	fmt.Printf("GojoTxn shell: coordinator %q, participants %s. Type 'help' for commands.\n",
		cfg.Coordinator.ID, strings.Join(cfg.Coordinator.Participants, " "))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if sh.process(strings.Fields(line)) {
			break
		}
	}
	fmt.Println("Exiting GojoTxn shell.")
}
