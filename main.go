package main

import (
	"chunkfs/commands"
	"chunkfs/config"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
	commands.SetLogLevel(l)
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	checkConfig(configFile)
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// pathArg returns the single positional path argument of a command.
func pathArg(fset *flag.FlagSet) string {
	if fset.NArg() != 1 {
		log.Fatalf("%s: expected exactly one path, got %d", fset.Name(), fset.NArg())
	}
	return fset.Arg(0)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags] [args]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands: init, serve, import, stat, ls, cat, locations")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	global := flag.NewFlagSet("global", flag.ExitOnError)
	configFile := global.StringP("config", "c", "", "Path to config file")
	logLevel := global.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	nodeID := initCmd.String("id", "", "Node ID, random when empty")
	initCmd.AddFlagSet(global)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveCmd.AddFlagSet(global)

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	chunkSize := importCmd.Int64("chunk-size", 4<<20, "Chunk size in bytes")
	importCmd.AddFlagSet(global)

	statCmd := flag.NewFlagSet("stat", flag.ExitOnError)
	statCmd.AddFlagSet(global)

	lsCmd := flag.NewFlagSet("ls", flag.ExitOnError)
	lsCmd.AddFlagSet(global)

	catCmd := flag.NewFlagSet("cat", flag.ExitOnError)
	catOffset := catCmd.Int64("offset", 0, "Start offset")
	catLength := catCmd.Int64("length", -1, "Bytes to read, negative for all")
	catCmd.AddFlagSet(global)

	locCmd := flag.NewFlagSet("locations", flag.ExitOnError)
	locOffset := locCmd.Int64("offset", 0, "Start offset")
	locLength := locCmd.Int64("length", -1, "Length of the range, negative for the rest of the file")
	locCmd.AddFlagSet(global)

	if len(os.Args) < 2 {
		usage()
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg, *nodeID)
	case "serve":
		serveCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "import":
		importCmd.Parse(args)
		setLogLevel(*logLevel)
		if importCmd.NArg() != 2 {
			log.Fatalf("import: expected <source file or -> <path>")
		}
		commands.RunImport(ctx, loadConfig(*configFile), importCmd.Arg(0), importCmd.Arg(1), *chunkSize)
	case "stat":
		statCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunStat(ctx, loadConfig(*configFile), pathArg(statCmd))
	case "ls":
		lsCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunList(ctx, loadConfig(*configFile), pathArg(lsCmd))
	case "cat":
		catCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunCat(ctx, loadConfig(*configFile), pathArg(catCmd), *catOffset, *catLength)
	case "locations":
		locCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunLocations(ctx, loadConfig(*configFile), pathArg(locCmd), *locOffset, *locLength)
	default:
		usage()
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
