/*
Package main parses cli flags and drives the obfuscation pipeline over
the requested registry tools.
*/
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/phuslu/log"

	"github.com/emarcon/mutaforma/internal/common"
	"github.com/emarcon/mutaforma/internal/config"
	"github.com/emarcon/mutaforma/internal/pipeline"
	"github.com/emarcon/mutaforma/internal/registry"
)

const programName = "mutaforma"
const version = "0.1.0"

/*
Print version.
*/
func printVersion() {
	println(programName + " v" + version)
	os.Exit(common.OK)
}

/*
Print Help.
*/
func help() {
	println("Usage: " + programName + " -registry tools.yaml [-config config.yaml] [-tools a,b]")
	println("  -registry <file>		tool registry to read (required)")
	println("  -config <file>		layered technique configuration")
	println("  -tools <a,b,c>		only run the listed tool ids (default is all)")
	println("  -output <dir>		place published artifacts under <dir>")
	println("  -seed <n>			pin the obfuscation seed for reproducible output")
	println("  -jobs <n>			number of tools processed concurrently")
	println("  -emit-map			write the name mapping record next to each artifact")
	println("  -keep			retain working directories of successful runs")
	println("  -list			print the registry tool ids and exit")
	println("  -verbose			debug logging")
	println("  -v				Check " + programName + " version")
}

func main() {
	flag.Usage = func() {
		help()
	}
	registryPath := flag.String("registry", "", "")
	configPath := flag.String("config", "", "")
	tools := flag.String("tools", "", "")
	output := flag.String("output", "", "")
	seed := flag.Int64("seed", -1, "")
	jobs := flag.Int("jobs", 0, "")
	emitMap := flag.Bool("emit-map", false, "")
	keep := flag.Bool("keep", false, "")
	list := flag.Bool("list", false, "")
	verbose := flag.Bool("verbose", false, "")
	flag.Bool("v", false, "")
	flag.Parse()

	if len(os.Args) > 1 && os.Args[1] == "-v" {
		printVersion()
	}

	common.InitLogger(*verbose)

	if *registryPath == "" {
		println("Missing arguments or invalid arguments!")
		help()
		os.Exit(common.ERR)
	}

	reg, err := registry.Load(*registryPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load registry")
		os.Exit(common.ERR)
	}

	if *list {
		for _, id := range reg.List() {
			println(id)
		}
		os.Exit(common.OK)
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load configuration")
			os.Exit(common.ERR)
		}
	}
	for _, warning := range cfg.Warnings {
		log.Warn().Msg(warning)
	}

	// flags override the file where given
	if *output != "" {
		cfg.OutputDir = *output
	}
	if *seed >= 0 {
		cfg.Seed = seed
	}
	if *jobs > 0 {
		cfg.Concurrency = *jobs
	}
	if *keep {
		cfg.Retention.OnSuccess = config.RetentionRetain
	}

	ids := reg.List()
	if *tools != "" {
		ids = splitTools(*tools)
	}

	orchestrator := pipeline.New(cfg, reg)
	orchestrator.EmitMappings(*emitMap)

	reports := orchestrator.RunAll(context.Background(), ids)

	failures := 0
	for _, report := range reports {
		if report.Succeeded() {
			log.Info().Str("tool", report.Tool).Str("artifact", report.Artifact).
				Strs("applied", report.Applied).Msg("published")
			continue
		}

		failures++
		log.Error().Str("tool", report.Tool).Str("reason", report.Reason).Msg("failed")
		if report.LogTail != "" && *verbose {
			println(report.LogTail)
		}
	}

	log.Info().Int("total", len(reports)).Int("failed", failures).Msg("batch finished")

	if failures > 0 {
		os.Exit(common.ERR)
	}
	os.Exit(common.OK)
}

func splitTools(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}

	return ids
}
